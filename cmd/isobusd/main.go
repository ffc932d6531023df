// Command isobusd runs one ISOBUS node: it claims an address, joins the bus over a
// SocketCAN interface or an Actisense NGT-1 serial gateway, and drives the heartbeat,
// power, and safety supervisors expected of an ECU on an ISO 11783 network.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openisobus/isobus"
	"github.com/openisobus/isobus/acknowledgment"
	"github.com/openisobus/isobus/actisense"
	"github.com/openisobus/isobus/claim"
	"github.com/openisobus/isobus/heartbeat"
	"github.com/openisobus/isobus/network"
	"github.com/openisobus/isobus/power"
	"github.com/openisobus/isobus/safety"
	"github.com/openisobus/isobus/socketcan"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tarm/serial"
)

const tickInterval = 20 * time.Millisecond

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "isobusd",
		Short: "Runs an ISOBUS control function on a CAN or serial gateway link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("transport", "socketcan", "link transport: socketcan or actisense")
	flags.String("iface", "can0", "SocketCAN interface name")
	flags.String("serial-device", "/dev/ttyUSB0", "Actisense NGT-1 serial device path")
	flags.Int("baud", 115200, "serial device baud rate")
	flags.Uint32("preferred-address", 0x80, "preferred source address to claim")
	flags.Uint32("identity-number", 1, "NAME identity number (21 bits)")
	flags.Uint32("manufacturer-code", 0, "NAME manufacturer code (11 bits)")
	flags.Uint32("function", 0, "NAME function byte")
	flags.String("log-level", "info", "logrus level: debug, info, warn, error")
	flags.String("config", "", "optional config file (yaml/json/toml)")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("isobusd")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfg := v.GetString("config"); cfg != "" {
			v.SetConfigFile(cfg)
			_ = v.ReadInConfig()
		}
	})

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	log := newLogger(v.GetString("log-level"))

	link, err := openLink(v, log)
	if err != nil {
		return fmt.Errorf("open link: %w", err)
	}
	defer func() {
		if c, ok := link.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name := isobus.NAME{
		IdentityNumber:   v.GetUint32("identity-number"),
		ManufacturerCode: uint16(v.GetUint32("manufacturer-code")),
		Function:         uint8(v.GetUint32("function")),
		SelfConfigurable: true,
	}

	mgr := network.NewManager(0, network.WithLogger(log.WithField("component", "network")))
	cf := isobus.NewInternalCF(name, 0, uint8(v.GetUint32("preferred-address")))

	hbSender := heartbeat.NewSender()
	hbReceiver := heartbeat.NewReceiver().WithLogger(log.WithField("component", "heartbeat"))
	hbReceiver.OnStateChange = func(from, to heartbeat.ReceiverState) {
		log.WithFields(logrus.Fields{"from": from, "to": to}).Warn("peer heartbeat state changed")
	}

	pm := power.New(power.WithLogger(log.WithField("component", "power")))
	pm.OnStateChange = func(from, to power.State) {
		log.WithFields(logrus.Fields{"from": from, "to": to}).Info("power state changed")
	}

	sv := safety.New(safety.WithLogger(log.WithField("component", "safety")))
	sv.RegisterSource("peer-heartbeat", safety.SourceConfig{
		MaxAgeMillis:     1000,
		EscalationMillis: 2000,
		DegradedAction:   safety.DegradedActionReduceSpeed,
	})
	sv.OnStateChange = func(from, to safety.State) {
		log.WithFields(logrus.Fields{"from": from, "to": to}).Warn("safety state changed")
	}

	ack := acknowledgment.New(func(pgn isobus.PGN, data []byte, priority uint8, destination uint8) ([]isobus.Frame, error) {
		return mgr.Send(cf, mgr.AddressedDestination(destination), priority, pgn, data)
	}, acknowledgment.WithLogger(log.WithField("component", "acknowledgment")))
	ack.OnAcknowledgment = func(msg acknowledgment.Message, source uint8) {
		log.WithFields(logrus.Fields{"control": msg.Control.String(), "pgn": msg.AcknowledgedPGN, "from": source}).Debug("peer acknowledged a request")
	}
	mgr.Subscribe(isobus.PGNAcknowledgment, func(msg isobus.Message) { ack.HandleFrame(msg.Source, msg.Data) })

	// Apart from Address Claimed, which the claimer answers, this node serves no PGN
	// requests; a request for a PGN with no registered responder is answered with Cannot
	// Respond rather than silently dropped.
	mgr.Subscribe(isobus.PGNRequest, func(msg isobus.Message) {
		if len(msg.Data) < 3 || msg.Destination == isobus.BroadcastAddress {
			return
		}
		requested := isobus.PGN(msg.Data[0]) | isobus.PGN(msg.Data[1])<<8 | isobus.PGN(msg.Data[2])<<16
		if requested == isobus.PGNAddressClaimed {
			return
		}
		frames, err := ack.SendCannotRespond(requested, msg.Source)
		if err != nil {
			log.WithError(err).Debug("failed to send cannot-respond acknowledgment")
			return
		}
		sendAll(link, frames, log)
	})

	claimFrames := mgr.AddInternalCF(cf, cf.PreferredAddress())
	sendAll(link, claimFrames, log)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log.WithField("link", link.Name()).Info("isobusd started")

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			elapsed := float64(tickInterval / time.Millisecond)

			sendAll(link, mgr.Update(elapsed), log)

			pm.Update(elapsed)
			sv.Update(elapsed)
			hbReceiver.Update(elapsed)

			if cf.IsConnected() {
				if value, ok := hbSender.Update(elapsed); ok {
					frame := isobus.NewFrame(isobus.Identifier{
						Priority:    3,
						PGN:         isobus.PGN(0x00FE00),
						Source:      cf.Address(),
						Destination: isobus.BroadcastAddress,
					}, []byte{value})
					sendAll(link, []isobus.Frame{frame}, log)
				}
			}

			drainLink(mgr, link, hbReceiver, sv, log)
		}
	}
}

func drainLink(mgr *network.Manager, link isobus.Link, hbReceiver *heartbeat.Receiver, sv *safety.Supervisor, log *logrus.Entry) {
	for {
		frame, err := link.Recv()
		if err != nil {
			if !errors.Is(err, isobus.ErrNoFrame) {
				log.WithError(err).Warn("link receive error")
			}
			return
		}

		if frame.ID.PGN == 0x00FE00 && len(frame.Data) > 0 {
			hbReceiver.Observe(frame.Data[0])
			sv.Refresh("peer-heartbeat")
		}

		out, err := mgr.HandleFrame(frame)
		if err != nil {
			log.WithError(err).Debug("frame handling error")
			continue
		}
		sendAll(link, out, log)
	}
}

func sendAll(link isobus.Link, frames []isobus.Frame, log *logrus.Entry) {
	for _, f := range frames {
		if err := link.Send(f); err != nil {
			log.WithError(err).Warn("link send error")
		}
	}
}

func openLink(v *viper.Viper, log *logrus.Entry) (isobus.Link, error) {
	switch v.GetString("transport") {
	case "actisense":
		port, err := serial.OpenPort(&serial.Config{
			Name:        v.GetString("serial-device"),
			Baud:        v.GetInt("baud"),
			ReadTimeout: 10 * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		dev := actisense.NewDevice(port, v.GetString("serial-device"))
		if err := dev.Initialize(); err != nil {
			return nil, err
		}
		return dev, nil
	case "socketcan":
		return socketcan.NewConnection(v.GetString("iface"))
	default:
		return nil, fmt.Errorf("unknown transport %q", v.GetString("transport"))
	}
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log.WithField("app", "isobusd")
}
