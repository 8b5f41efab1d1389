package main

import (
	"log"
	"os"
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/firecontrol"
	"github.com/ivanvanderbyl/faber-itc/pkg/homekit"
	"github.com/urfave/cli/v2"
)

func main() {
	hostFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "host",
			Usage:    "IP address or hostname of the ITC controller",
			EnvVars:  []string{"FABER_ITC_HOST"},
			Required: true,
		},
	}

	app := &cli.App{
		Name:  "firecontrol",
		Usage: "Remote control for Faber ITC fireplaces",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "TCP port of the controller",
				Value:   firecontrol.DefaultPort,
				EnvVars: []string{"FABER_ITC_PORT"},
			},
			&cli.StringFlag{
				Name:    "variant",
				Usage:   "Frame layout: auto, v29, v33 or v60",
				Value:   "auto",
				EnvVars: []string{"FABER_ITC_VARIANT"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "Bound for connecting and every socket write",
				Value:   firecontrol.DefaultTimeout,
				EnvVars: []string{"FABER_ITC_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "settle",
				Usage:   "Minimum gap between commands",
				Value:   500 * time.Millisecond,
				EnvVars: []string{"FABER_ITC_SETTLE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				EnvVars: []string{"FABER_ITC_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Serve Prometheus metrics on this address, e.g. :9090",
				EnvVars: []string{"FABER_ITC_METRICS_ADDR"},
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:  "search",
				Usage: "Search for fireplaces on the network",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "scan-timeout",
						Usage: "How long to listen for announcements",
						Value: firecontrol.DefaultDiscoveryTimeout,
					},
					&cli.StringFlag{
						Name:  "listen",
						Usage: "UDP address to listen on",
						Value: ":58132",
					},
					&cli.BoolFlag{
						Name:  "first",
						Usage: "Stop at the first fireplace found",
					},
				},
				Action: searchAction,
			},
			{
				Name:   "status",
				Usage:  "Get the status of a fireplace",
				Flags:  hostFlags,
				Action: statusAction,
			},
			{
				Name:   "info",
				Usage:  "Show controller and installer details",
				Flags:  hostFlags,
				Action: infoAction,
			},
			{
				Name:   "on",
				Usage:  "Light the fireplace",
				Flags:  hostFlags,
				Action: onAction,
			},
			{
				Name:   "off",
				Usage:  "Turn the fireplace off",
				Flags:  hostFlags,
				Action: offAction,
			},
			{
				Name:  "flame-height",
				Usage: "Set the flame level",
				Flags: append([]cli.Flag{
					&cli.IntFlag{
						Name:     "level",
						Usage:    "Flame level from 0 to 4",
						Required: true,
					},
				}, hostFlags...),
				Action: flameHeightAction,
			},
			{
				Name:  "flame-width",
				Usage: "Use one burner or both",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{
						Name:  "wide",
						Usage: "Light both burners",
					},
				}, hostFlags...),
				Action: flameWidthAction,
			},
			{
				Name:  "watch",
				Usage: "Stream status updates",
				Flags: append([]cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Status poll interval",
						Value: 10 * time.Second,
					},
				}, hostFlags...),
				Action: watchAction,
			},
			{
				Name:  "simulate",
				Usage: "Run a simulated controller",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "TCP address to accept sessions on",
						Value: ":58779",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Name in discovery announcements",
						Value: "Kamin",
					},
					&cli.StringFlag{
						Name:  "announce-to",
						Usage: "Broadcast announcements to this UDP address",
					},
					&cli.StringFlag{
						Name:  "announce-ip",
						Usage: "Address advertised in announcements",
					},
				},
				Action: simulateAction,
			},
			{
				Name:  "homekit",
				Usage: "Expose the fireplace as a HomeKit thermostat",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "host",
						Usage:   "Controller address; discovered when empty",
						EnvVars: []string{"FABER_ITC_HOST"},
					},
					&cli.StringFlag{
						Name:    "pin",
						Usage:   "HomeKit pairing PIN",
						EnvVars: []string{"FABER_ITC_HOMEKIT_PIN"},
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Accessory name",
						Value: "Fireplace",
					},
					&cli.StringFlag{
						Name:  "db",
						Usage: "Directory for HomeKit pairing data",
						Value: homekit.DefaultStorePath,
					},
					&cli.DurationFlag{
						Name:  "refresh",
						Usage: "Status poll interval",
						Value: homekit.DefaultRefreshInterval,
					},
				},
				Action: homekitAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
