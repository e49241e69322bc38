// Command drone-sim serves a simulated drone over the MQTT bridge protocol so
// the orchestrator can fly it with drone.driver=mqtt.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/simulator"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/logger"
)

func main() {
	host := flag.String("host", "localhost", "MQTT broker host")
	port := flag.Int("port", 1883, "MQTT broker port")
	user := flag.String("user", "", "MQTT user")
	pass := flag.String("password", "", "MQTT password")
	clientID := flag.String("client-id", "drone-sim", "MQTT client ID")
	prefix := flag.String("prefix", "drone/cf1", "bridge topic prefix")
	frameEvery := flag.Duration("frame-every", 100*time.Millisecond, "ranging frame period")
	latency := flag.Duration("latency", 50*time.Millisecond, "per-command latency")
	noise := flag.Float64("noise", 0.01, "ranging noise in meters")
	x := flag.Float64("x", 2, "start position x in meters")
	y := flag.Float64("y", 2.5, "start position y in meters")
	failConnect := flag.Bool("fail-connect", false, "refuse the radio connect")
	dropAt := flag.Int("drop-at-step", -1, "lose the link at this scan step")
	silentAfter := flag.Int("deck-silent-after", -1, "stop ranging after this many steps")
	landHang := flag.Bool("land-hang", false, "never confirm landing")
	level := flag.String("log-level", "info", "log level")

	room := simulator.DefaultRoom()
	flag.Func("obstacle", "add an obstacle as x,y,radius (repeatable)", func(s string) error {
		o, err := simulator.ParseObstacle(s)
		if err != nil {
			return err
		}
		room.Obstacles = append(room.Obstacles, o)
		return nil
	})
	flag.Parse()

	log, err := logger.New(*level, "console", "drone-sim")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.Connect(ctx, broker.Config{
		Host: *host, Port: *port, User: *user, Password: *pass, ClientID: *clientID,
	}, log)
	if err != nil {
		log.Fatal("mqtt connect", zap.Error(err))
	}

	d := simulator.NewSimDrone(room, *x, *y).
		WithLatency(*latency).
		WithNoise(*noise, time.Now().UnixNano()).
		WithFaults(simulator.Faults{
			FailConnect:     *failConnect,
			DropAtStep:      *dropAt,
			DeckSilentAfter: *silentAfter,
			LandHang:        *landHang,
		})
	bridge := simulator.NewBridge(d, broker.NewPublisher(client, 5*time.Second), *prefix, *frameEvery, log)
	defer bridge.Stop()

	if err := broker.NewConsumer(client, bridge.Filters(), bridge.Handle, log).Subscribe(ctx); err != nil {
		log.Fatal("subscribe", zap.Error(err))
	}
	log.Info("simulated drone ready",
		zap.String("prefix", *prefix),
		zap.Int("obstacles", len(room.Obstacles)),
		zap.Float64("x", *x), zap.Float64("y", *y))

	<-ctx.Done()
	log.Info("shutting down")
}
