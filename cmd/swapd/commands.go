package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ArkLabsHQ/swapd/internal/interface/web/types"
	"github.com/ArkLabsHQ/swapd/pkg/swap"
	"github.com/ArkLabsHQ/swapd/utils"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
)

func pay(c *cli.Context) error {
	invoice := c.Args().First()
	if invoice == "" {
		return fmt.Errorf("missing invoice")
	}
	if !utils.IsValidInvoice(invoice) {
		return fmt.Errorf("invalid invoice, it must be a bolt11 invoice with an amount")
	}
	client := newAPIClient(c.String(urlFlag.Name))

	resp, err := client.payInvoice(c.Context, invoice, c.String("refund-address"))
	if err != nil {
		return err
	}

	if resp.Direct {
		fmt.Println("the receiver accepts onchain payments, no swap needed:")
	} else {
		fmt.Printf("swap %s created, send the lockup to:\n", resp.Swap.Id)
	}
	printQR(resp.Instruction.Bip21)
	fmt.Printf("address: %s\namount:  %d sats\n", resp.Instruction.Address, resp.Instruction.Amount)

	if resp.Direct || !c.Bool(waitFlag.Name) {
		return nil
	}
	return followSwap(c, client, resp.Swap.Id)
}

func receive(c *cli.Context) error {
	client := newAPIClient(c.String(urlFlag.Name))

	sw, err := client.receivePayment(c.Context, c.Uint64("amount"), c.String("address"))
	if err != nil {
		return err
	}

	fmt.Printf("swap %s created, pay this invoice:\n", sw.Id)
	printQR(sw.Invoice)
	fmt.Println(sw.Invoice)

	if !c.Bool(waitFlag.Name) {
		return nil
	}
	return followSwap(c, client, sw.Id)
}

func refund(c *cli.Context) error {
	swapId := c.Args().First()
	if swapId == "" {
		return fmt.Errorf("missing swap id")
	}
	resp, err := newAPIClient(c.String(urlFlag.Name)).refund(c.Context, swapId)
	if err != nil {
		return err
	}
	fmt.Printf("refunded in %s\n", resp.Txid)
	return nil
}

func swaps(c *cli.Context) error {
	client := newAPIClient(c.String(urlFlag.Name))

	if swapId := c.Args().First(); swapId != "" {
		sw, err := client.getSwap(c.Context, swapId)
		if err != nil {
			return err
		}
		return printJSON(sw)
	}

	state, kind := c.String("state"), c.String("kind")
	if state != "" {
		if _, err := swap.ParseState(state); err != nil {
			return err
		}
	}
	if kind != "" {
		if _, err := swap.ParseDirection(kind); err != nil {
			return err
		}
	}

	resp, err := client.listSwaps(c.Context, c.Bool("pending"), state, kind)
	if err != nil {
		return err
	}
	return printJSON(resp.Swaps)
}

func followSwap(c *cli.Context, client *apiClient, swapId string) error {
	var last types.Swap
	err := client.follow(c.Context, swapId, func(name string, data []byte) {
		switch name {
		case "swap":
			// nolint:all
			json.Unmarshal(data, &last)
			fmt.Printf("[%s] %s\n", last.State, swapId)
		case "progress":
			var p types.Progress
			if err := json.Unmarshal(data, &p); err != nil {
				return
			}
			last.State = p.State
			msg := p.Message
			if msg == "" {
				msg = p.Status
			}
			fmt.Printf("[%s] %s\n", p.State, msg)
		}
	})
	if err != nil {
		return err
	}

	final, err := client.getSwap(c.Context, swapId)
	if err != nil {
		return err
	}
	if final.NextAction != "" {
		fmt.Printf("next: %s\n", final.NextAction)
	}
	return nil
}

func printQR(content string) {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return
	}
	fmt.Println(qr.ToSmallString(false))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
