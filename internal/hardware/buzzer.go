package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"keyer-service/internal/logger"
)

// Buzzer drives a sysfs PWM channel as the sidetone sink. The sidetone
// frequency sets the PWM period; gain maps linearly onto duty cycle with
// 50% duty as full volume. The duty descriptor stays open because gain is
// written on every fade step.
type Buzzer struct {
	log     *logger.Logger
	chip    string
	channel int

	lock    sync.Mutex
	freq    int
	period  int64 // ns
	dutyFd  int
	enFd    int
	enabled bool
}

func NewBuzzer(chip string, channel int, freqHz int, log *logger.Logger) *Buzzer {
	return &Buzzer{
		log:     log.WithTag("buzzer"),
		chip:    chip,
		channel: channel,
		freq:    freqHz,
		dutyFd:  -1,
		enFd:    -1,
	}
}

func (b *Buzzer) Init() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.enabled {
		b.closeLocked()
	}
	if b.freq <= 0 {
		return fmt.Errorf("invalid sidetone frequency %d Hz", b.freq)
	}

	chipDir := filepath.Join(pwmSysfsRoot, b.chip)
	if _, err := os.Stat(chipDir); err != nil {
		return fmt.Errorf("PWM chip %s not available: %w", b.chip, err)
	}

	pwmDir := filepath.Join(chipDir, fmt.Sprintf("pwm%d", b.channel))
	if _, err := os.Stat(pwmDir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(chipDir, "export"),
			[]byte(strconv.Itoa(b.channel)), 0); err != nil {
			return fmt.Errorf("failed to export pwm%d: %w", b.channel, err)
		}
		// Give the kernel a moment to populate the channel attributes
		time.Sleep(10 * time.Millisecond)
	}

	// Duty must never exceed period, so zero it before reprogramming
	if err := os.WriteFile(filepath.Join(pwmDir, "duty_cycle"), []byte("0"), 0); err != nil {
		return fmt.Errorf("failed to zero duty cycle: %w", err)
	}
	period := int64(time.Second) / int64(b.freq)
	if err := os.WriteFile(filepath.Join(pwmDir, "period"),
		[]byte(strconv.FormatInt(period, 10)), 0); err != nil {
		return fmt.Errorf("failed to set period: %w", err)
	}

	dutyFd, err := unix.Open(filepath.Join(pwmDir, "duty_cycle"), unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open duty_cycle: %w", err)
	}
	enFd, err := unix.Open(filepath.Join(pwmDir, "enable"), unix.O_WRONLY, 0)
	if err != nil {
		unix.Close(dutyFd)
		return fmt.Errorf("failed to open enable: %w", err)
	}

	b.dutyFd = dutyFd
	b.enFd = enFd
	b.period = period
	b.enabled = true
	b.log.Infof("PWM sidetone ready: %s/pwm%d at %d Hz", b.chip, b.channel, b.freq)
	return nil
}

// SetGain writes the duty cycle for gain in [0,1]. Fails once the device is
// torn down, which the tone gate treats as a fault.
func (b *Buzzer) SetGain(gain float64) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if !b.enabled {
		return fmt.Errorf("buzzer not initialized")
	}
	if gain < 0 {
		gain = 0
	}
	if gain > 1 {
		gain = 1
	}
	duty := int64(gain * float64(b.period) / 2)
	if err := b.writeAttrLocked(b.dutyFd, duty); err != nil {
		return fmt.Errorf("failed to set duty cycle: %w", err)
	}
	return nil
}

func (b *Buzzer) Start() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if !b.enabled {
		return fmt.Errorf("buzzer not initialized")
	}
	if err := b.writeAttrLocked(b.enFd, 1); err != nil {
		return fmt.Errorf("failed to enable PWM: %w", err)
	}
	return nil
}

func (b *Buzzer) Stop() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if !b.enabled {
		return fmt.Errorf("buzzer not initialized")
	}
	if err := b.writeAttrLocked(b.enFd, 0); err != nil {
		return fmt.Errorf("failed to disable PWM: %w", err)
	}
	return nil
}

// SetFrequency reprograms the PWM period. Duty is zeroed first; the gate's
// next ramp restores it.
func (b *Buzzer) SetFrequency(hz int) error {
	if hz < MinSidetoneHz || hz > MaxSidetoneHz {
		return fmt.Errorf("sidetone frequency %d Hz out of range %d..%d",
			hz, MinSidetoneHz, MaxSidetoneHz)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	b.freq = hz
	if !b.enabled {
		return nil
	}
	if err := b.writeAttrLocked(b.dutyFd, 0); err != nil {
		return fmt.Errorf("failed to zero duty cycle: %w", err)
	}
	period := int64(time.Second) / int64(hz)
	pwmDir := filepath.Join(pwmSysfsRoot, b.chip, fmt.Sprintf("pwm%d", b.channel))
	if err := os.WriteFile(filepath.Join(pwmDir, "period"),
		[]byte(strconv.FormatInt(period, 10)), 0); err != nil {
		return fmt.Errorf("failed to set period: %w", err)
	}
	b.period = period
	b.log.Infof("Sidetone frequency set to %d Hz", hz)
	return nil
}

func (b *Buzzer) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closeLocked()
	return nil
}

func (b *Buzzer) closeLocked() {
	if !b.enabled {
		return
	}
	b.writeAttrLocked(b.enFd, 0)
	unix.Close(b.dutyFd)
	unix.Close(b.enFd)
	b.dutyFd = -1
	b.enFd = -1
	b.enabled = false
}

// writeAttrLocked rewrites a sysfs attribute from offset zero.
func (b *Buzzer) writeAttrLocked(fd int, v int64) error {
	buf := strconv.AppendInt(nil, v, 10)
	_, err := unix.Pwrite(fd, buf, 0)
	return err
}
