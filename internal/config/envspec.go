//go:generate go run ../../tools/gen-env-doc/main.go
package config

import "fmt"

type EnvVar struct {
	Name        string // short name under the SWAPD_ prefix (e.g., "DATADIR")
	FullName    string // e.g., "SWAPD_DATADIR"
	Type        string
	Default     string // "" if none
	Description string
	Notes       string
}

func EnvSpecs() []EnvVar {
	const P = envPrefix + "_"

	return []EnvVar{
		{
			Name:        Datadir,
			FullName:    P + Datadir,
			Type:        "string (path)",
			Default:     DefaultDatadir,
			Description: "Data directory for swap records and the seed",
			Notes:       "The default resolves to the OS application data dir (e.g. ~/.swapd).",
		},
		{
			Name:        LogLevel,
			FullName:    P + LogLevel,
			Type:        "uint32 (0–6)",
			Default:     fmt.Sprintf("%d", DefaultLogLevel),
			Description: "Log verbosity (higher = more verbose)",
		},
		{
			Name:        Network,
			FullName:    P + Network,
			Type:        "string",
			Default:     DefaultNetwork,
			Description: "Bitcoin network: mainnet | testnet | regtest",
		},
		{
			Name:        BoltzURL,
			FullName:    P + BoltzURL,
			Type:        "string (URL)",
			Default:     DefaultBoltzURL,
			Description: "Swap service HTTP endpoint",
		},
		{
			Name:        BoltzWSURL,
			FullName:    P + BoltzWSURL,
			Type:        "string (WS URL)",
			Default:     "",
			Description: "Swap service WebSocket endpoint",
			Notes:       "Derived from BOLTZ_URL (http → ws, https → wss) when unset.",
		},
		{
			Name:        EsploraURL,
			FullName:    P + EsploraURL,
			Type:        "string (URL)",
			Default:     "",
			Description: "Esplora base URL (e.g., http://chopsticks:3000)",
		},
		{
			Name:        ElectrumURL,
			FullName:    P + ElectrumURL,
			Type:        "string (tcp:// or ssl://)",
			Default:     "",
			Description: "Electrum server, preferred over ESPLORA_URL when both are set",
			Notes:       "At least one of ESPLORA_URL and ELECTRUM_URL is required.",
		},
		{
			Name:        HTTPPort,
			FullName:    P + HTTPPort,
			Type:        "uint32 (port)",
			Default:     fmt.Sprintf("%d", DefaultHTTPPort),
			Description: "HTTP API port",
		},
		{
			Name:        Mnemonic,
			FullName:    P + Mnemonic,
			Type:        "string",
			Default:     "",
			Description: "BIP39 mnemonic the swap keys are derived from",
			Notes:       "Generated and stored under DATADIR on first start when unset.",
		},
		{
			Name:        SwapTimeout,
			FullName:    P + SwapTimeout,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultSwapTimeout),
			Description: "How long a swap driver may run, 0 means until the swap is final",
		},
		{
			Name:        ConfirmationDepth,
			FullName:    P + ConfirmationDepth,
			Type:        "uint32",
			Default:     fmt.Sprintf("%d", DefaultConfirmationDepth),
			Description: "Confirmations required before claiming a reverse swap lockup",
			Notes:       "0 claims as soon as the lockup is in the mempool.",
		},
		{
			Name:        CooperativeTimeout,
			FullName:    P + CooperativeTimeout,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultCooperativeTimeout),
			Description: "Time to wait for a cooperative signature before falling back",
		},
		{
			Name:        SchedulerPollInterval,
			FullName:    P + SchedulerPollInterval,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultSchedulerPollInterval),
			Description: "Block height polling interval of the refund scheduler",
		},
		{
			Name:        LowballBroadcast,
			FullName:    P + LowballBroadcast,
			Type:        "bool",
			Default:     fmt.Sprintf("%v", DefaultLowballBroadcast),
			Description: "Relay reverse swap claims through the swap service first",
		},
		{
			Name:        FeeRate,
			FullName:    P + FeeRate,
			Type:        "float (sat/vB)",
			Default:     fmt.Sprintf("%d", DefaultFeeRate),
			Description: "Fee rate override, 0 means estimate from the chain backend",
		},
		{
			Name:        StallThreshold,
			FullName:    P + StallThreshold,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultStallThreshold),
			Description: "Time without progress before a swap driver is reported stalled, 0 disables",
		},
	}
}
