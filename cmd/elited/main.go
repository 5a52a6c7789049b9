package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/robotlink/elited/internal/config"
	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/pkg/driver"
)

const (
	defaultReversePort       = 50001
	defaultTrajectoryPort    = 50003
	defaultScriptCommandPort = 50004
	defaultScriptSenderPort  = 50002
)

func main() {
	log.SetLevel(log.InfoLevel)

	robotIP := flag.String("robot-ip", "", "robot controller IP address")
	localIP := flag.String("local-ip", "", "local IP the robot should connect back to")
	template := flag.String("script", "", "path to the robot script template file")
	settingsPath := flag.String("settings", "", "optional ini file overriding driver settings")
	headless := flag.Bool("headless", false, "push the control script immediately instead of serving it on demand")
	verbose := flag.Bool("v", false, "enable debug logging")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	settings := config.Settings{
		RobotIP:           *robotIP,
		LocalIP:           *localIP,
		ScriptTemplate:    *template,
		Headless:          *headless,
		ReversePort:       defaultReversePort,
		TrajectoryPort:    defaultTrajectoryPort,
		ScriptCommandPort: defaultScriptCommandPort,
		ScriptSenderPort:  defaultScriptSenderPort,
		ServoJTime:        0.008,
		ServoJLookahead:   0.1,
		ServoJGain:        300,
		StopAcceleration:  2.0,
	}
	if *settingsPath != "" {
		if err := config.LoadSettings(*settingsPath, &settings); err != nil {
			log.Errorf("failed to load settings file %s : %v", *settingsPath, err)
			os.Exit(1)
		}
	}
	if settings.RobotIP == "" || settings.LocalIP == "" || settings.ScriptTemplate == "" {
		fmt.Println("robot-ip, local-ip and script are required (flags or settings file)")
		flag.Usage()
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Errorf("metrics server exited: %v", err)
		}
	}()

	d, err := driver.New(driver.Config{
		RobotIP:           settings.RobotIP,
		LocalIP:           settings.LocalIP,
		ScriptTemplate:    settings.ScriptTemplate,
		Headless:          settings.Headless,
		ReversePort:       settings.ReversePort,
		TrajectoryPort:    settings.TrajectoryPort,
		ScriptCommandPort: settings.ScriptCommandPort,
		ScriptSenderPort:  settings.ScriptSenderPort,
		ServoJTime:        settings.ServoJTime,
		ServoJLookahead:   settings.ServoJLookahead,
		ServoJGain:        settings.ServoJGain,
		StopAcceleration:  settings.StopAcceleration,
	}, nil, reg)
	if err != nil {
		log.Errorf("failed to start driver : %v", err)
		os.Exit(1)
	}
	defer d.Close()

	log.Infof("elited serving robot %s, headless=%v", settings.RobotIP, settings.Headless)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
}
