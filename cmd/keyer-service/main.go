package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keyer-service/internal/core"
	"keyer-service/internal/hardware"
	"keyer-service/internal/logger"
	"keyer-service/internal/messaging"
	"keyer-service/internal/tone"
)

func main() {
	// Service log level
	var serviceLogLevel int
	flag.IntVar(&serviceLogLevel, "log", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")

	var redisHost string
	var redisPort int
	flag.StringVar(&redisHost, "redis-host", "127.0.0.1", "Redis server host")
	flag.IntVar(&redisPort, "redis-port", 6379, "Redis server port")

	var gpioChip string
	var ditLine, dahLine, ledLine int
	var debounce time.Duration
	flag.StringVar(&gpioChip, "gpiochip", hardware.DefaultChip, "GPIO chip for the paddle lines")
	flag.IntVar(&ditLine, "dit-line", hardware.DefaultDitLine, "GPIO line offset of the dit paddle")
	flag.IntVar(&dahLine, "dah-line", hardware.DefaultDahLine, "GPIO line offset of the dah paddle")
	flag.IntVar(&ledLine, "led-line", hardware.DefaultLedLine, "GPIO line offset of the keying LED (negative disables)")
	flag.DurationVar(&debounce, "debounce", hardware.DefaultDebounce, "Paddle debounce period")

	var pwmChip string
	var pwmChannel, sidetoneHz int
	flag.StringVar(&pwmChip, "pwmchip", hardware.DefaultPwmChip, "PWM chip for the sidetone buzzer")
	flag.IntVar(&pwmChannel, "pwm-channel", hardware.DefaultPwmChannel, "PWM channel for the sidetone buzzer")
	flag.IntVar(&sidetoneHz, "sidetone-hz", hardware.DefaultSidetoneHz, "Sidetone frequency in Hz")

	var serialDevice string
	flag.StringVar(&serialDevice, "serial", "", "Serial device of an external paddle controller (empty disables)")

	var potDevice string
	var potChannel int
	flag.StringVar(&potDevice, "pot-device", "", "IIO device of the speed potentiometer (empty disables)")
	flag.IntVar(&potChannel, "pot-channel", 0, "IIO voltage channel of the speed potentiometer")

	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		// Running interactively, use timestamps
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	// Create leveled logger
	l := logger.NewLogger(stdLogger, logger.LogLevel(serviceLogLevel))

	l.Infof("Starting keyer service...")

	buzzer := hardware.NewBuzzer(pwmChip, pwmChannel, sidetoneHz, l)
	gate, err := tone.New(buzzer, l)
	if err != nil {
		l.Fatalf("Failed to create tone gate: %v", err)
	}

	paddle := hardware.NewPaddleInput(hardware.PaddleConfig{
		Chip:     gpioChip,
		DitLine:  ditLine,
		DahLine:  dahLine,
		LedLine:  ledLine,
		Debounce: debounce,
	}, l)

	redis := messaging.NewRedisClient(redisHost, redisPort, l)

	system, err := core.NewKeyerSystem(paddle, redis, gate, l)
	if err != nil {
		l.Fatalf("Failed to create keyer system: %v", err)
	}
	system.SetSidetoneTuner(buzzer)
	if serialDevice != "" {
		system.SetFrameSource(hardware.NewSerialInput(serialDevice, l))
	}
	if potDevice != "" {
		system.SetSpeedDial(hardware.NewSpeedPot(hardware.SpeedPotConfig{
			Device:  potDevice,
			Channel: potChannel,
		}, l))
	}

	if err := system.Start(); err != nil {
		l.Fatalf("Failed to start system: %v", err)
	}

	l.Infof("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)
	system.Shutdown()
	l.Infof("Shutdown complete")
}
