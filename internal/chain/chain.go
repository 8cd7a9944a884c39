// Package chain defines the Bitcoin network parameters the planner can target.
// All values are hardcoded here; nothing is read from configuration.
package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
	Signet  Network = "signet"
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH  AddressType = "p2pkh"  // Legacy (1...)
	AddressP2SH   AddressType = "p2sh"   // Script hash (3...)
	AddressP2WPKH AddressType = "p2wpkh" // Native SegWit (bc1q...)
	AddressP2WSH  AddressType = "p2wsh"  // SegWit script (bc1q...)
	AddressP2TR   AddressType = "p2tr"   // Taproot (bc1p...)
)

// Params contains the parameters the compiler and the node adapter need.
type Params struct {
	Network Network
	Name    string

	// Address prefixes
	PubKeyHashAddrID byte   // Base58 prefix for P2PKH
	ScriptHashAddrID byte   // Base58 prefix for P2SH
	Bech32HRP        string // bech32/bech32m human-readable part
	WIF              byte   // Private key prefix

	// Default JSON-RPC port of Bitcoin Core on this network
	DefaultRPCPort uint16

	// Seconds between blocks assumed when converting time locks into waits
	TargetBlockSeconds uint32

	chainCfg *chaincfg.Params
}

// ChainCfg returns the btcd parameter set used for address encoding.
func (p *Params) ChainCfg() *chaincfg.Params {
	return p.chainCfg
}

// DefaultRPCURL returns the local node URL for this network.
func (p *Params) DefaultRPCURL() string {
	return fmt.Sprintf("http://localhost:%d", p.DefaultRPCPort)
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns the params for a network.
func Get(network Network) (*Params, bool) {
	params, ok := registry[network]
	return params, ok
}

// MustGet returns the params for a network and panics if it is unknown.
func MustGet(network Network) *Params {
	params, ok := Get(network)
	if !ok {
		panic(fmt.Sprintf("chain: unknown network %q", network))
	}
	return params
}

// List returns all registered networks in sorted order.
func List() []Network {
	networks := make([]Network, 0, len(registry))
	for network := range registry {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

// ParseNetwork parses a network name. "testnet3" and "main" are accepted aliases.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "main", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3", "test":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	case "signet":
		return Signet, nil
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// ForAddressHRP returns the params whose bech32 prefix matches hrp.
// Testnet and signet share "tb"; testnet wins.
func ForAddressHRP(hrp string) (*Params, bool) {
	for _, network := range []Network{Mainnet, Testnet, Regtest, Signet} {
		if p, ok := registry[network]; ok && p.Bech32HRP == hrp {
			return p, true
		}
	}
	return nil, false
}
