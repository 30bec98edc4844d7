package ledger_test

import (
	"testing"

	"apipool-go/internal/ledger"
	"apipool-go/internal/ledger/ledgertest"
)

func TestMemoryStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return ledger.NewMemoryStore()
	})
}
