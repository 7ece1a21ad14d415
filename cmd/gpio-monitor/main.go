// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Command gpio-monitor watches a set of GPIO input pins and publishes every
// level transition to an MQTT topic as a small JSON document.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	sysfsgpio "github.com/derekstavis/go-sysfs-gpio"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"periph.io/x/conn/v3/gpio"
)

func main() {
	pins := flag.String("pins", "", "comma-separated GPIO pin numbers to monitor")
	broker := flag.String("broker", "tcp://127.0.0.1:1883", "MQTT broker address")
	topic := flag.String("topic", "gpio/transitions", "MQTT topic for transition events")
	root := flag.String("root", sysfsgpio.DefaultRoot, "GPIO control tree")
	edge := flag.String("edge", "both", "edge to monitor: rising, falling or both")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.Parse()

	logger := newLogger(*debug)
	if err := run(logger, *pins, *broker, *topic, *root, *edge); err != nil {
		logger.Err().Err(err).Log("fatal")
		os.Exit(1)
	}
}

func newLogger(debug bool) *logiface.Logger[logiface.Event] {
	level := logiface.LevelInformational
	if debug {
		level = logiface.LevelDebug
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func run(logger *logiface.Logger[logiface.Event], pins, broker, topic, root, edge string) error {
	numbers, err := parsePins(pins)
	if err != nil {
		return err
	}
	e, err := parseEdge(edge)
	if err != nil {
		return err
	}

	client, err := connect(broker)
	if err != nil {
		return err
	}
	defer client.Disconnect(1000)

	fatal := make(chan error, 1)
	ctrl, err := sysfsgpio.New(numbers,
		sysfsgpio.WithRoot(root),
		sysfsgpio.WithLogger(logger),
		sysfsgpio.WithFatalHandler(func(err error) {
			select {
			case fatal <- err:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	for _, n := range numbers {
		_, err := ctrl.Alloc(n, sysfsgpio.In,
			sysfsgpio.WithEdge(e),
			sysfsgpio.WithCallback(func(number int, state gpio.Level) {
				publish(logger, client, topic, number, state)
			}),
		)
		if err != nil {
			return fmt.Errorf("allocate pin %d: %w", n, err)
		}
	}
	logger.Info().Str("broker", broker).Str("topic", topic).Str("edge", e.String()).Log("monitoring started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Log("shutting down")
		return nil
	case err := <-fatal:
		return err
	}
}

func connect(broker string) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("gpio-monitor").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}
	return client, nil
}

type transition struct {
	Pin   int       `json:"pin"`
	State bool      `json:"state"`
	Time  time.Time `json:"time"`
}

func publish(logger *logiface.Logger[logiface.Event], client paho.Client, topic string, number int, state gpio.Level) {
	payload, err := json.Marshal(transition{
		Pin:   number,
		State: bool(state),
		Time:  time.Now().UTC(),
	})
	if err != nil {
		logger.Err().Int("pin", number).Err(err).Log("encode transition")
		return
	}
	// QoS 0; a missed transition is stale by the time a retry lands.
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		logger.Err().Int("pin", number).Log("publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		logger.Err().Int("pin", number).Err(err).Log("publish")
		return
	}
	logger.Debug().Int("pin", number).Bool("state", bool(state)).Log("published")
}

func parsePins(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("no pins given, use -pins")
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse pin %q: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseEdge(s string) (gpio.Edge, error) {
	switch s {
	case "rising":
		return gpio.RisingEdge, nil
	case "falling":
		return gpio.FallingEdge, nil
	case "both":
		return gpio.BothEdges, nil
	default:
		return gpio.NoEdge, fmt.Errorf("unknown edge %q", s)
	}
}
