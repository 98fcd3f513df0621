package hardware

import "time"

const (
	DefaultChip    = "gpiochip0"
	DefaultDitLine = 14
	DefaultDahLine = 15
	DefaultLedLine = 18

	// DefaultDebounce matches the reference paddle firmware.
	DefaultDebounce = 10 * time.Millisecond

	DefaultPwmChip    = "pwmchip0"
	DefaultPwmChannel = 0
	DefaultSidetoneHz = 600

	MinSidetoneHz = 200
	MaxSidetoneHz = 2000

	// DefaultPotRawMax is the full-scale reading of a 12-bit ADC.
	DefaultPotRawMax = 4095

	potPollInterval = 250 * time.Millisecond

	consumerName = "keyer-service"
)

// pwmSysfsRoot is a variable so tests can point the buzzer at a scratch tree.
var pwmSysfsRoot = "/sys/class/pwm"
