// Fieldlinkd - field device gateway daemon
//
// Polls SCADA field devices over pluggable protocol drivers and
// republishes point data via REST/SSE, MQTT, Kafka and Valkey.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldlink/api"
	"fieldlink/config"
	"fieldlink/devman"
	"fieldlink/kafka"
	"fieldlink/logging"
	"fieldlink/mqtt"
	"fieldlink/point"
	"fieldlink/valkey"

	_ "fieldlink/modbus"
	_ "fieldlink/sim"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "fieldlink.yaml", "Path to configuration file")
	debugFilter := flag.String("debug-filter", "", "Comma-separated debug subsystems (empty = all)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fieldlinkd %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	var appLog *logging.FileLogger
	if cfg.LogFile != "" {
		appLog, err = logging.NewFileLogger(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer appLog.Close()
	}
	logf := func(format string, args ...interface{}) {
		if appLog != nil {
			appLog.Log(format, args...)
		}
		fmt.Printf(format+"\n", args...)
	}

	if cfg.DebugLog != "" {
		debugLogger, err := logging.NewDebugLogger(cfg.DebugLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		debugLogger.SetFilter(*debugFilter)
		logging.SetGlobalDebugLogger(debugLogger)
		defer debugLogger.Close()
	}

	logf("fieldlinkd %s starting, config %s", Version, *configPath)

	manager := devman.NewManager(cfg)
	if err := manager.LoadFromConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating devices: %v\n", err)
		os.Exit(1)
	}

	// MQTT publishers
	var mqttPubs []*mqtt.Publisher
	for i := range cfg.MQTT {
		mc := &cfg.MQTT[i]
		if !mc.Enabled {
			continue
		}
		pub := mqtt.NewPublisher(mc)
		pub.SetWriteHandler(func(device string, id point.ID, value interface{}) error {
			return executeWrite(manager, device, id, value)
		})
		if err := pub.Start(); err != nil {
			logf("mqtt %s: %v", mc.Name, err)
		} else {
			logf("mqtt %s: connected to %s:%d", mc.Name, mc.Broker, mc.Port)
		}
		mqttPubs = append(mqttPubs, pub)
	}

	// Kafka producers
	var kafkaPubs []*kafka.Producer
	for i := range cfg.Kafka {
		kc := &cfg.Kafka[i]
		if !kc.Enabled {
			continue
		}
		prod := kafka.NewProducer(kc)
		if err := prod.Start(); err != nil {
			logf("kafka %s: %v", kc.Name, err)
		}
		kafkaPubs = append(kafkaPubs, prod)
	}

	// Valkey publishers
	var valkeyPubs []*valkey.Publisher
	for i := range cfg.Valkey {
		vc := &cfg.Valkey[i]
		if !vc.Enabled {
			continue
		}
		pub := valkey.NewPublisher(vc)
		pub.SetOnConnect(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pub.PublishChanges(ctx, manager.AllCurrentValues())
		})
		if err := pub.Start(); err != nil {
			logf("valkey %s: %v", vc.Name, err)
		}
		valkeyPubs = append(valkeyPubs, pub)
	}

	// REST API
	var apiServer *api.Server
	if cfg.Web.Enabled {
		apiServer = api.NewServer(manager, &cfg.Web)
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting API server: %v\n", err)
			os.Exit(1)
		}
		logf("api listening on %s", apiServer.Address())
	}

	// Fan value changes out to every enabled sink. Each sink runs in
	// its own goroutine so a slow broker cannot stall the others.
	manager.SetOnValueChange(func(changes []devman.ValueChange) {
		changesCopy := make([]devman.ValueChange, len(changes))
		copy(changesCopy, changes)

		for _, pub := range mqttPubs {
			if pub.IsRunning() {
				go pub.PublishAll(changesCopy, false)
			}
		}
		for _, prod := range kafkaPubs {
			go func(p *kafka.Producer) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				p.PublishChanges(ctx, changesCopy)
			}(prod)
		}
		for _, pub := range valkeyPubs {
			if pub.IsRunning() {
				go func(p *valkey.Publisher) {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					p.PublishChanges(ctx, changesCopy)
				}(pub)
			}
		}
		if apiServer != nil {
			apiServer.BroadcastChanges(changesCopy)
		}
	})
	if apiServer != nil {
		manager.SetOnChange(apiServer.BroadcastStatus)
	}

	manager.Start()
	logf("managing %d devices", len(manager.Devices()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logf("shutting down")
	manager.Stop()
	if apiServer != nil {
		apiServer.Stop()
	}
	for _, pub := range mqttPubs {
		pub.Stop()
	}
	for _, prod := range kafkaPubs {
		prod.Stop()
	}
	for _, pub := range valkeyPubs {
		pub.Stop()
	}
	logf("stopped")
}

// executeWrite routes an MQTT command to the right output kind based
// on the device's point table.
func executeWrite(manager *devman.Manager, device string, id point.ID, value interface{}) error {
	dev := manager.Device(device)
	if dev == nil {
		return fmt.Errorf("device not found: %s", device)
	}

	var kind string
	for i := range dev.Config.Points {
		if dev.Config.Points[i].ID == string(id) {
			kind = dev.Config.Points[i].Kind
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch kind {
	case "control":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("control %s: value must be a boolean", id)
		}
		result, err := manager.WriteControl(ctx, device, []point.Control{{ID: id, Command: b}})
		if err != nil {
			return err
		}
		if !result.AllAccepted() {
			return fmt.Errorf("control %s rejected: %s", id, result.Outcomes[0].Reason)
		}
		return nil
	case "adjustment":
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("adjustment %s: value must be a number", id)
		}
		result, err := manager.WriteAdjustment(ctx, device, []point.Adjustment{{ID: id, Value: f}})
		if err != nil {
			return err
		}
		if !result.AllAccepted() {
			return fmt.Errorf("adjustment %s rejected: %s", id, result.Outcomes[0].Reason)
		}
		return nil
	case "":
		return fmt.Errorf("unknown point: %s/%s", device, id)
	default:
		return fmt.Errorf("point %s/%s is not writable", device, id)
	}
}
