package vtclient

import (
	"testing"

	"github.com/openisobus/isobus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePool() Pool {
	return Pool{
		{ID: 0, Type: ObjectTypeWorkingSet, Body: []byte{1, 2}, Children: []uint16{1}},
		{ID: 1, Type: ObjectTypeDataMask, Body: []byte{3, 4, 5}, Children: []uint16{2}},
		{ID: 2, Type: 5, Body: nil, Children: nil},
	}
}

func TestPool_ValidateAcceptsWellFormedPool(t *testing.T) {
	assert.NoError(t, samplePool().Validate())
}

func TestPool_ValidateRejectsEmptyPool(t *testing.T) {
	err := Pool{}.Validate()
	require.Error(t, err)
	assert.Equal(t, isobus.KindPoolValidation, isobus.KindOf(err))
}

func TestPool_ValidateRejectsMissingWorkingSet(t *testing.T) {
	p := Pool{{ID: 1, Type: ObjectTypeDataMask}}
	err := p.Validate()
	require.Error(t, err)
	assert.Equal(t, isobus.KindPoolValidation, isobus.KindOf(err))
}

func TestPool_ValidateRejectsTwoWorkingSets(t *testing.T) {
	p := Pool{
		{ID: 0, Type: ObjectTypeWorkingSet, Children: []uint16{2}},
		{ID: 1, Type: ObjectTypeWorkingSet, Children: []uint16{2}},
		{ID: 2, Type: ObjectTypeDataMask},
	}
	err := p.Validate()
	require.Error(t, err)
	assert.Equal(t, isobus.KindPoolValidation, isobus.KindOf(err))
}

func TestPool_ValidateRejectsUnresolvedChild(t *testing.T) {
	p := Pool{{ID: 0, Type: ObjectTypeWorkingSet, Children: []uint16{99}}}
	err := p.Validate()
	require.Error(t, err)
	assert.Equal(t, isobus.KindPoolValidation, isobus.KindOf(err))
}

func TestPool_ValidateRejectsWorkingSetWithoutMaskChild(t *testing.T) {
	p := Pool{
		{ID: 0, Type: ObjectTypeWorkingSet, Children: []uint16{1}},
		{ID: 1, Type: 9},
	}
	err := p.Validate()
	require.Error(t, err)
	assert.Equal(t, isobus.KindPoolValidation, isobus.KindOf(err))
}

func TestPool_SerializeDeserializeRoundTrip(t *testing.T) {
	p := samplePool()
	data := p.Serialize()

	got, err := DeserializePool(data)
	require.NoError(t, err)
	require.Len(t, got, len(p))
	for i := range p {
		assert.Equal(t, p[i].ID, got[i].ID)
		assert.Equal(t, p[i].Type, got[i].Type)
		assert.Equal(t, p[i].Body, got[i].Body)
		assert.Equal(t, p[i].Children, got[i].Children)
	}
	assert.NoError(t, got.Validate())
}

func TestDeserializePool_RejectsTruncatedHeader(t *testing.T) {
	_, err := DeserializePool([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, isobus.KindInvalidData, isobus.KindOf(err))
}

func TestDeserializePool_RejectsTruncatedBody(t *testing.T) {
	data := samplePool().Serialize()
	_, err := DeserializePool(data[:len(data)-1])
	require.Error(t, err)
	assert.Equal(t, isobus.KindInvalidData, isobus.KindOf(err))
}
