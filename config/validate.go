package config

import (
	"fmt"
	"strings"

	"gasrelay/native/fees"
	"gasrelay/storage"
)

// MinExecutionIntervalMillis is the fastest executor cadence accepted.
var MinExecutionIntervalMillis = uint64(10)

// ValidateParams checks the parameters for consistency before they are used.
func ValidateParams(p Params) error {
	if !storage.ValidBackend(p.StorageBackend) {
		return fmt.Errorf("storage: unknown backend %q", p.StorageBackend)
	}
	if err := (fees.Rates{PlatformBps: p.Fees.PlatformBps, ProviderBps: p.Fees.ProviderBps}).Validate(); err != nil {
		return fmt.Errorf("fees: %w", err)
	}
	if len(p.Networks) == 0 {
		return fmt.Errorf("networks: at least one network required")
	}
	seen := make(map[uint64]struct{}, len(p.Networks))
	for _, n := range p.Networks {
		if _, dup := seen[n.ChainID]; dup {
			return fmt.Errorf("networks: chain id %d configured twice", n.ChainID)
		}
		seen[n.ChainID] = struct{}{}
		if strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("networks: chain id %d missing name", n.ChainID)
		}
	}
	if p.Execution.MinIntervalMillis < MinExecutionIntervalMillis {
		return fmt.Errorf("execution: min_interval below %dms", MinExecutionIntervalMillis)
	}
	if p.Execution.MaxPayloadBytes < 0 || p.Execution.MaxBatchSize < 0 {
		return fmt.Errorf("execution: negative limit")
	}
	if _, err := p.OrchestratorConfig(); err != nil {
		return err
	}
	if _, err := p.LedgerConfig(); err != nil {
		return err
	}
	return nil
}
