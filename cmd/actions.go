package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v2"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ivanvanderbyl/faber-itc/pkg/firecontrol"
	"github.com/ivanvanderbyl/faber-itc/pkg/homekit"
	"github.com/ivanvanderbyl/faber-itc/pkg/itcsim"
	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
)

func setupLogging(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return errors.Wrap(err, "parsing log level")
	}

	h := slogctx.NewHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}), nil)
	slog.SetDefault(slog.New(h))
	return nil
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-sigChan:
			slog.Info("Interrupt signal received")
		case <-ctx.Done():
		}
		// Stop delivering signals.
		signal.Stop(sigChan)
		cancel()
	}()
	return ctx, cancel
}

func newClient(c *cli.Context, host string) (*firecontrol.Client, *prometheus.Registry, error) {
	variant, err := protocol.ParseVariant(c.String("variant"))
	if err != nil {
		return nil, nil, err
	}

	opts := []firecontrol.Option{
		firecontrol.WithPort(c.Int("port")),
		firecontrol.WithVariant(variant),
		firecontrol.WithTimeout(c.Duration("timeout")),
		firecontrol.WithSettleDelay(c.Duration("settle")),
		firecontrol.WithLogger(slog.Default()),
	}

	var reg *prometheus.Registry
	if c.String("metrics-addr") != "" {
		reg = firecontrol.NewRegistry()
		opts = append(opts, firecontrol.WithMetrics(firecontrol.NewMetrics(reg)))
	}
	return firecontrol.NewClient(host, opts...), reg, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", firecontrol.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	slog.InfoContext(ctx, "Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serving metrics")
	}
	return nil
}

// withSession connects to the host from the flags, runs fn and disconnects.
func withSession(c *cli.Context, fn func(ctx context.Context, client *firecontrol.Client) error) error {
	client, _, err := newClient(c, c.String("host"))
	if err != nil {
		return err
	}
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(c.Context, 2*c.Duration("timeout"))
	defer cancel()
	ctx = slogctx.Append(ctx, "host", client.Host())

	return fn(ctx, client)
}

// waitFor returns the first event matching ok.
func waitFor(ctx context.Context, events <-chan firecontrol.Event, ok func(firecontrol.Event) bool) (firecontrol.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return firecontrol.Event{}, errors.Wrap(ctx.Err(), "waiting for fireplace")
		case ev := <-events:
			if ok(ev) {
				return ev, nil
			}
		}
	}
}

func isStatus(ev firecontrol.Event) bool { return ev.Kind == firecontrol.EventStatus }

func searchAction(c *cli.Context) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	found, err := firecontrol.Discover(ctx, c.String("listen"), c.Duration("scan-timeout"), firecontrol.ScanOptions{
		StopOnNew: c.Bool("first"),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Error searching for fireplaces", "error", err)
		return err
	}

	slogctx.Info(ctx, "Completed fireplace search", "found-count", len(found))
	for _, dev := range found {
		fmt.Printf("%s\t%s\t%s\n", dev.Host, dev.SenderID, dev.Name)
	}
	return nil
}

func statusAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, client *firecontrol.Client) error {
		events, unsubscribe := client.Subscribe(8)
		defer unsubscribe()

		if err := client.Connect(ctx); err != nil {
			slog.ErrorContext(ctx, "Failed to connect to fireplace", "error", err)
			return err
		}
		ev, err := waitFor(ctx, events, isStatus)
		if err != nil {
			return err
		}
		printStatus(client.Host(), ev.Status)
		return nil
	})
}

func printStatus(host string, st firecontrol.Status) {
	width := "narrow"
	if st.Wide() {
		width = "wide"
	}
	temperature := "unknown"
	if st.HasTemperature {
		temperature = fmt.Sprintf("%.1fºC", st.Temperature)
	}

	fmt.Printf("Fireplace: %s\n\tFire Status: %s\n\tFlame Level: %d\n\tFlame Width: %s\n\tRoom Temperature: %s\n",
		host,
		st.State,
		st.FlameLevel,
		width,
		temperature,
	)
}

func infoAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, client *firecontrol.Client) error {
		events, unsubscribe := client.Subscribe(8)
		defer unsubscribe()

		if err := client.RequestInfo(ctx); err != nil {
			slog.ErrorContext(ctx, "Failed to request info", "error", err)
			return err
		}
		_, err := waitFor(ctx, events, func(ev firecontrol.Event) bool {
			return ev.Kind == firecontrol.EventInfo && ev.Info.InstallerName != "" && ev.Info.Serial != ""
		})
		if err != nil {
			return err
		}

		info := client.DeviceInfo()
		fmt.Printf("Fireplace: %s\n\tModel: %s\n\tManufacturer: %s\n\tSerial: %s\n\tArticle: %s\n\tVariant: %s\n",
			client.Host(), info.Model, info.Manufacturer, info.Serial, info.Article, info.Variant)
		fmt.Printf("Installer:\n\tName: %s\n\tPhone: %s\n\tWeb: %s\n\tMail: %s\n",
			info.InstallerName, info.InstallerPhone, info.InstallerWeb, info.InstallerMail)
		return nil
	})
}

// command connects, waits for the first status so the command can keep the
// current level and width, then runs fn.
func command(c *cli.Context, name string, fn func(ctx context.Context, client *firecontrol.Client) error) error {
	return withSession(c, func(ctx context.Context, client *firecontrol.Client) error {
		events, unsubscribe := client.Subscribe(8)
		defer unsubscribe()

		if err := client.Connect(ctx); err != nil {
			slog.ErrorContext(ctx, "Failed to connect to fireplace", "error", err)
			return err
		}
		if _, err := waitFor(ctx, events, isStatus); err != nil {
			return err
		}

		if err := fn(ctx, client); err != nil {
			slog.ErrorContext(ctx, "Command failed", "command", name, "error", err)
			return err
		}
		ev, err := waitFor(ctx, events, isStatus)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "Command sent", "command", name)
		printStatus(client.Host(), ev.Status)
		return nil
	})
}

func onAction(c *cli.Context) error {
	return command(c, "on", func(ctx context.Context, client *firecontrol.Client) error {
		return client.TurnOn(ctx)
	})
}

func offAction(c *cli.Context) error {
	return command(c, "off", func(ctx context.Context, client *firecontrol.Client) error {
		return client.TurnOff(ctx)
	})
}

func flameHeightAction(c *cli.Context) error {
	return command(c, "flame-height", func(ctx context.Context, client *firecontrol.Client) error {
		return client.SetFlameHeight(ctx, c.Int("level"))
	})
}

func flameWidthAction(c *cli.Context) error {
	return command(c, "flame-width", func(ctx context.Context, client *firecontrol.Client) error {
		return client.SetFlameWidth(ctx, c.Bool("wide"))
	})
}

func watchAction(c *cli.Context) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	client, reg, err := newClient(c, c.String("host"))
	if err != nil {
		return err
	}
	defer client.Disconnect()
	ctx = slogctx.Append(ctx, "host", client.Host())

	events, unsubscribe := client.Subscribe(32)
	defer unsubscribe()

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	if reg != nil {
		p.Go(func(ctx context.Context) error {
			return serveMetrics(ctx, c.String("metrics-addr"), reg)
		})
	}
	p.Go(func(ctx context.Context) error {
		ticker := time.NewTicker(c.Duration("interval"))
		defer ticker.Stop()
		for {
			if _, err := client.FetchData(ctx); err != nil {
				slog.WarnContext(ctx, "Poll failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	p.Go(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				switch ev.Kind {
				case firecontrol.EventStatus:
					slog.InfoContext(ctx, "Status",
						"state", ev.Status.State.String(),
						"level", ev.Status.FlameLevel,
						"wide", ev.Status.Wide(),
						"temperature", ev.Status.Temperature,
					)
				case firecontrol.EventInfo:
					slog.InfoContext(ctx, "Info", "model", ev.Info.Model, "serial", ev.Info.Serial)
				case firecontrol.EventConnection:
					slog.InfoContext(ctx, "Connection", "state", ev.State.String(), "error", ev.Err)
				}
			}
		}
	})
	return p.Wait()
}

func simulateAction(c *cli.Context) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	variant, err := protocol.ParseVariant(c.String("variant"))
	if err != nil {
		return err
	}
	if variant == protocol.VariantAuto {
		variant = protocol.DefaultVariant
	}

	d := itcsim.New(variant)
	d.Name = c.String("name")
	d.Log = slog.Default()

	var announceTo *net.UDPAddr
	if target := c.String("announce-to"); target != "" {
		announceTo, err = net.ResolveUDPAddr("udp4", target)
		if err != nil {
			return errors.Wrap(err, "resolving announce address")
		}
	}

	ln, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return errors.Wrap(err, "listening for sessions")
	}
	slog.InfoContext(ctx, "Simulating controller", "addr", ln.Addr().String(), "variant", variant.String())

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		return d.Serve(ctx, ln)
	})
	if announceTo != nil {
		ip := net.ParseIP(c.String("announce-ip"))
		p.Go(func(ctx context.Context) error {
			return d.Broadcast(ctx, announceTo, ip, 5*time.Second)
		})
	}
	return p.Wait()
}

func homekitAction(c *cli.Context) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	slog.Info("Starting HomeKit accessory")

	host := c.String("host")
	if host == "" {
		found, err := firecontrol.Discover(ctx, "", firecontrol.DefaultDiscoveryTimeout, firecontrol.ScanOptions{StopOnNew: true})
		if err != nil {
			return errors.Wrap(err, "searching for fireplaces")
		}
		for h := range found {
			host = h
		}
		if host == "" {
			return errors.New("no fireplace found")
		}
	}

	client, reg, err := newClient(c, host)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	if reg != nil {
		p.Go(func(ctx context.Context) error {
			return serveMetrics(ctx, c.String("metrics-addr"), reg)
		})
	}
	p.Go(func(ctx context.Context) error {
		return homekit.Run(ctx, client, homekit.Config{
			Name:            c.String("name"),
			Pin:             c.String("pin"),
			StorePath:       c.String("db"),
			RefreshInterval: c.Duration("refresh"),
			Debug:           c.String("log-level") == "debug",
		}, slog.Default())
	})
	return p.Wait()
}
