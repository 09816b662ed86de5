package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := cli.NewApp()
	app.Name = "swapd"
	app.Usage = "atomic swaps between lightning and bitcoin onchain"
	app.Version = version

	app.Flags = []cli.Flag{urlFlag}

	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "run the swap daemon, configured with SWAPD_* env vars",
			Action: serve,
		},
		{
			Name:      "pay",
			Usage:     "pay a lightning invoice with onchain funds (submarine swap)",
			ArgsUsage: "<invoice>",
			Action:    pay,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "refund-address",
					Aliases:  []string{"r"},
					Required: true,
					Usage:    "onchain address receiving the refund if the invoice is not paid",
				},
				waitFlag,
			},
		},
		{
			Name:   "receive",
			Usage:  "get a lightning invoice paid out onchain (reverse swap)",
			Action: receive,
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:     "amount",
					Aliases:  []string{"a"},
					Required: true,
					Usage:    "invoice amount in sats",
				},
				&cli.StringFlag{
					Name:     "address",
					Required: true,
					Usage:    "onchain address receiving the funds",
				},
				waitFlag,
			},
		},
		{
			Name:      "refund",
			Usage:     "refund a submarine swap whose invoice was not paid",
			ArgsUsage: "<swap id>",
			Action:    refund,
		},
		{
			Name:      "swaps",
			Usage:     "list swaps, or show one",
			ArgsUsage: "[swap id]",
			Action:    swaps,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "pending",
					Usage: "only list swaps that are not final",
				},
				&cli.StringFlag{
					Name:  "state",
					Usage: "only list swaps in this state, e.g. refund_needed",
				},
				&cli.StringFlag{
					Name:  "kind",
					Usage: "only list submarine or reverse swaps",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var (
	urlFlag = &cli.StringFlag{
		Name:    "url",
		Aliases: []string{"u"},
		Value:   "http://localhost:7002",
		EnvVars: []string{"SWAPD_API_URL"},
		Usage:   "swapd HTTP API",
	}
	waitFlag = &cli.BoolFlag{
		Name:    "wait",
		Aliases: []string{"w"},
		Usage:   "follow the swap until it is final",
	}
)
