package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:            Mainnet,
		Name:               "Bitcoin",
		PubKeyHashAddrID:   0x00, // 1...
		ScriptHashAddrID:   0x05, // 3...
		Bech32HRP:          "bc",
		WIF:                0x80,
		DefaultRPCPort:     8332,
		TargetBlockSeconds: 600,
		chainCfg:           &chaincfg.MainNetParams,
	})

	Register(&Params{
		Network:            Testnet,
		Name:               "Bitcoin Testnet",
		PubKeyHashAddrID:   0x6F, // m or n
		ScriptHashAddrID:   0xC4, // 2...
		Bech32HRP:          "tb",
		WIF:                0xEF,
		DefaultRPCPort:     18332,
		TargetBlockSeconds: 600,
		chainCfg:           &chaincfg.TestNet3Params,
	})

	// Regtest shares the testnet base58 prefixes but has its own HRP.
	Register(&Params{
		Network:            Regtest,
		Name:               "Bitcoin Regtest",
		PubKeyHashAddrID:   0x6F,
		ScriptHashAddrID:   0xC4,
		Bech32HRP:          "bcrt",
		WIF:                0xEF,
		DefaultRPCPort:     18443,
		TargetBlockSeconds: 600,
		chainCfg:           &chaincfg.RegressionNetParams,
	})

	Register(&Params{
		Network:            Signet,
		Name:               "Bitcoin Signet",
		PubKeyHashAddrID:   0x6F,
		ScriptHashAddrID:   0xC4,
		Bech32HRP:          "tb",
		WIF:                0xEF,
		DefaultRPCPort:     38332,
		TargetBlockSeconds: 600,
		chainCfg:           &chaincfg.SigNetParams,
	})
}
