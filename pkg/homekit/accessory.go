package homekit

import (
	"context"
	syslog "log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/log"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ivanvanderbyl/faber-itc/pkg/firecontrol"
	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
)

// Fireplace is the part of *firecontrol.Client the accessory drives.
type Fireplace interface {
	Host() string
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetFlameHeight(ctx context.Context, level int) error
	FetchData(ctx context.Context) (*firecontrol.Status, error)
	RequestInfo(ctx context.Context) error
	DeviceInfo() firecontrol.DeviceInfo
	Subscribe(buffer int) (<-chan firecontrol.Event, func())
}

var _ Fireplace = (*firecontrol.Client)(nil)

type Config struct {
	Name            string
	Pin             string
	StorePath       string
	RefreshInterval time.Duration
	Debug           bool
}

const (
	DefaultRefreshInterval = 10 * time.Second
	DefaultStorePath       = "./db"

	eventBuffer = 16
)

// FireplaceController exposes one fireplace as a HomeKit thermostat. Heat and
// off switch the burner; the target temperature slider selects the flame
// level (0..4) and the current temperature is the room temperature.
type FireplaceController struct {
	fireplace Fireplace
	accessory *accessory.Thermostat
	log       *slog.Logger

	infoRequested bool
}

func NewFireplaceController(fp Fireplace, name string, logger *slog.Logger) *FireplaceController {
	if logger == nil {
		logger = slog.Default()
	}
	fc := &FireplaceController{fireplace: fp, log: logger}
	fc.createAccessory(name)
	return fc
}

func (fc *FireplaceController) Accessory() *accessory.A { return fc.accessory.A }

// Run serves the accessory until ctx is done, keeping it in sync with the
// fireplace through session events and a periodic refresh.
func Run(ctx context.Context, fp Fireplace, cfg Config, logger *slog.Logger) error {
	if cfg.Name == "" {
		cfg.Name = "Fireplace"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = DefaultStorePath
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	ctx = slogctx.Append(ctx, "host", fp.Host())
	fc := NewFireplaceController(fp, cfg.Name, logger)
	return fc.Start(ctx, cfg)
}

func (fc *FireplaceController) Start(ctx context.Context, cfg Config) error {
	fc.log.InfoContext(ctx, "Starting fireplace controller")

	server, err := fc.newServer(cfg)
	if err != nil {
		return errors.Wrap(err, "creating server")
	}

	events, cancel := fc.fireplace.Subscribe(eventBuffer)
	defer cancel()

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return fc.watchEvents(ctx, events)
	})
	p.Go(func(ctx context.Context) error {
		return fc.refreshLoop(ctx, cfg.RefreshInterval)
	})
	p.Go(func(ctx context.Context) error {
		fc.log.InfoContext(ctx, "Starting HomeKit server")
		return server.ListenAndServe(ctx)
	})
	return p.Wait()
}

func (fc *FireplaceController) createAccessory(name string) {
	info := fc.fireplace.DeviceInfo()
	acc := accessory.NewThermostat(accessory.Info{
		Name:         name,
		SerialNumber: fc.fireplace.Host(),
		Manufacturer: "Faber",
		Model:        info.Model,
	})

	// Configure display units to be in Celsius
	acc.Thermostat.TemperatureDisplayUnits.SetValue(characteristic.TemperatureDisplayUnitsCelsius)

	// The target slider is the flame level.
	acc.Thermostat.TargetTemperature.SetMinValue(float64(protocol.MinLevel))
	acc.Thermostat.TargetTemperature.SetMaxValue(float64(protocol.MaxLevel))
	acc.Thermostat.TargetTemperature.SetStepValue(1)

	acc.Thermostat.TargetTemperature.OnSetRemoteValue(func(v float64) error {
		ctx := context.Background()
		fc.log.InfoContext(ctx, "Flame level set", "value", v)
		return fc.setFlameLevel(ctx, v)
	})

	acc.Thermostat.TargetHeatingCoolingState.ValidVals = []int{characteristic.TargetHeatingCoolingStateHeat, characteristic.TargetHeatingCoolingStateOff}
	acc.Thermostat.TargetHeatingCoolingState.OnSetRemoteValue(func(v int) error {
		return fc.setHeatingState(context.Background(), v)
	})

	fc.accessory = acc
}

func (fc *FireplaceController) newServer(cfg Config) (*hap.Server, error) {
	if cfg.Debug {
		newLogger := syslog.New(os.Stdout, "SERV ", syslog.LstdFlags|syslog.Lshortfile)
		log.Debug = &log.Logger{Logger: newLogger}
	}

	fs := hap.NewFsStore(cfg.StorePath)
	server, err := hap.NewServer(fs, fc.accessory.A)
	if err != nil {
		return nil, err
	}
	if cfg.Pin != "" {
		server.Pin = cfg.Pin
	}
	return server, nil
}

func (fc *FireplaceController) setHeatingState(ctx context.Context, v int) error {
	switch v {
	case characteristic.TargetHeatingCoolingStateHeat:
		fc.log.InfoContext(ctx, "TargetHeatingCoolingState: Heat")
		if err := fc.fireplace.TurnOn(ctx); err != nil {
			return errors.Wrap(err, "turning on fireplace")
		}
	case characteristic.TargetHeatingCoolingStateOff:
		fc.log.InfoContext(ctx, "TargetHeatingCoolingState: Off")
		if err := fc.fireplace.TurnOff(ctx); err != nil {
			return errors.Wrap(err, "turning off fireplace")
		}
	default:
		fc.log.InfoContext(ctx, "Ignoring heating state", "value", v)
	}
	return nil
}

func (fc *FireplaceController) setFlameLevel(ctx context.Context, v float64) error {
	level := int(math.Round(v))
	if err := fc.fireplace.SetFlameHeight(ctx, level); err != nil {
		fc.log.ErrorContext(ctx, "Failed to set flame level", "error", err, "level", level)
		return errors.Wrap(err, "setting flame level")
	}
	return nil
}

func (fc *FireplaceController) watchEvents(ctx context.Context, events <-chan firecontrol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case firecontrol.EventStatus:
				if err := fc.applyStatus(ev.Status); err != nil {
					fc.log.ErrorContext(ctx, "Failed to update accessory", "error", err)
				}
			case firecontrol.EventInfo:
				fc.log.InfoContext(ctx, "Fireplace info", "model", ev.Info.Model, "serial", ev.Info.Serial)
			case firecontrol.EventConnection:
				fc.log.InfoContext(ctx, "Fireplace connection changed", "state", ev.State.String(), "error", ev.Err)
			}
		}
	}
}

func (fc *FireplaceController) refreshLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fc.refresh(ctx); err != nil {
			fc.log.ErrorContext(ctx, "Failed to refresh fireplace", "error", err)
		}

		select {
		case <-ctx.Done():
			fc.log.InfoContext(ctx, "Stopping fireplace controller")
			return nil
		case <-ticker.C:
		}
	}
}

// refresh polls the fireplace. Info is requested once, after the first poll
// that reaches it.
func (fc *FireplaceController) refresh(ctx context.Context) error {
	st, err := fc.fireplace.FetchData(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching status")
	}

	if !fc.infoRequested {
		if err := fc.fireplace.RequestInfo(ctx); err != nil {
			return errors.Wrap(err, "requesting info")
		}
		fc.infoRequested = true
	}

	if st == nil {
		return nil
	}
	if err := fc.applyStatus(*st); err != nil {
		return err
	}
	fc.log.DebugContext(ctx, "Refreshed fireplace",
		"room-temperature", st.Temperature,
		"flame-level", st.FlameLevel,
		"status", st.State.String(),
	)
	return nil
}

func (fc *FireplaceController) applyStatus(st firecontrol.Status) error {
	th := fc.accessory.Thermostat
	if st.HasTemperature {
		th.CurrentTemperature.SetValue(st.Temperature)
	}

	if !st.IsOn() {
		if err := th.TargetHeatingCoolingState.SetValue(characteristic.TargetHeatingCoolingStateOff); err != nil {
			return errors.Wrap(err, "setting target heating cooling state")
		}
		if err := th.CurrentHeatingCoolingState.SetValue(characteristic.CurrentHeatingCoolingStateOff); err != nil {
			return errors.Wrap(err, "setting current heating cooling state")
		}
		return nil
	}

	th.TargetTemperature.SetValue(float64(st.FlameLevel))
	if err := th.TargetHeatingCoolingState.SetValue(characteristic.TargetHeatingCoolingStateHeat); err != nil {
		return errors.Wrap(err, "setting target heating cooling state")
	}
	if err := th.CurrentHeatingCoolingState.SetValue(characteristic.CurrentHeatingCoolingStateHeat); err != nil {
		return errors.Wrap(err, "setting current heating cooling state")
	}
	return nil
}
