package app

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2pramp/internal/config"
	"p2pramp/internal/escrow"
	"p2pramp/internal/events"
	"p2pramp/internal/ledger"
	"p2pramp/internal/token"
)

func testConfig() *config.AppConfig {
	cfg := &config.AppConfig{
		Protocol: config.ProtocolConfig{
			PaymentMethods: []config.PaymentMethodConfig{
				{Name: "venmo", Verifier: "fake", Currencies: []string{"USD"}},
				{Name: "wise", Currencies: []string{"EUR", "GBP"}},
			},
		},
		Params: config.Params{
			MakerProtocolFee:       big.NewInt(1e16),
			ProtocolFee:            big.NewInt(5e15),
			DustThreshold:          big.NewInt(1_000_000),
			IntentExpirationPeriod: time.Hour,
			MaxIntentsPerDeposit:   3,
			ChainID:                big.NewInt(31337),
			Owner:                  common.HexToAddress("0xa1"),
			Escrow:                 common.HexToAddress("0xe1"),
			Orchestrator:           common.HexToAddress("0xe2"),
			ForwarderHook:          common.HexToAddress("0xe3"),
			FeeRecipient:           common.HexToAddress("0xa2"),
			ProtocolFeeRecipient:   common.HexToAddress("0xa3"),
			Relayers:               []common.Address{common.HexToAddress("0xb1")},
		},
	}
	cfg.Protocol.Orchestrator.AllowMultipleIntents = true
	return cfg
}

func TestBuildWiresEngines(t *testing.T) {
	cfg := testConfig()
	a, err := Build(cfg, ledger.NewMemoryStore(), token.NewBank(), events.Nop{}, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, cfg.Params.Orchestrator, a.Escrow.Params().Orchestrator)
	require.Equal(t, cfg.Params.Escrow, a.Orchestrator.Params().Escrow)
	require.True(t, a.Orchestrator.Params().AllowMultipleIntents)
	require.Equal(t, 3, a.Escrow.Params().MaxIntentsPerDeposit)

	venmo, wise := ledger.PaymentMethodID("venmo"), ledger.PaymentMethodID("wise")
	require.True(t, a.Verifiers.IsCurrency(venmo, ledger.CurrencyCode("USD")))
	require.False(t, a.Verifiers.IsCurrency(venmo, ledger.CurrencyCode("EUR")))
	require.True(t, a.Verifiers.IsCurrency(wise, ledger.CurrencyCode("GBP")))
	require.True(t, a.Hooks.IsWhitelisted(cfg.Params.ForwarderHook))
	require.True(t, a.Relayers.IsWhitelisted(common.HexToAddress("0xb1")))
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.PaymentMethods[1].Verifier = "zk-email"
	_, err := Build(cfg, ledger.NewMemoryStore(), token.NewBank(), events.Nop{}, zap.NewNop())
	require.ErrorContains(t, err, `unknown verifier "zk-email"`)

	cfg = testConfig()
	cfg.Protocol.PaymentMethods = append(cfg.Protocol.PaymentMethods, config.PaymentMethodConfig{Name: "venmo"})
	_, err = Build(cfg, ledger.NewMemoryStore(), token.NewBank(), events.Nop{}, zap.NewNop())
	require.ErrorIs(t, err, ledger.ErrDuplicatePaymentMethod)

	cfg = testConfig()
	cfg.Params.MakerProtocolFee = big.NewInt(1e17)
	_, err = Build(cfg, ledger.NewMemoryStore(), token.NewBank(), events.Nop{}, zap.NewNop())
	require.ErrorIs(t, err, ledger.ErrFeeExceedsMaximum)
}

func TestDevBankFundsDeposits(t *testing.T) {
	cfg := testConfig()
	maker := common.HexToAddress("0xd1")
	cfg.Params.Token = common.HexToAddress("0xc0")
	cfg.Params.DevAccounts = []config.DevAccount{
		{Address: maker, Balance: big.NewInt(500_000_000), Allowance: big.NewInt(200_000_000)},
	}

	bank, err := NewDevBank(cfg.Params)
	require.NoError(t, err)
	a, err := Build(cfg, ledger.NewMemoryStore(), bank, events.Nop{}, zap.NewNop())
	require.NoError(t, err)

	id, err := a.Escrow.CreateDeposit(context.Background(), maker, escrow.CreateDepositParams{
		Token:             cfg.Params.Token,
		Amount:            big.NewInt(100_000_000),
		IntentAmountRange: ledger.Range{Min: big.NewInt(1_000_000), Max: big.NewInt(50_000_000)},
		PaymentMethods:    []common.Hash{ledger.PaymentMethodID("venmo")},
		PaymentMethodData: []ledger.PaymentMethodData{{PayeeDetails: ledger.PayeeDetailsHash("@maker")}},
		Currencies: [][]ledger.Currency{{
			{Code: ledger.CurrencyCode("USD"), MinConversionRate: big.NewInt(1e18)},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.Equal(t, "100000000", bank.Balance(cfg.Params.Token, cfg.Params.Escrow).String())
	require.Equal(t, "400000000", bank.Balance(cfg.Params.Token, maker).String())
}

func TestDevBankNeedsToken(t *testing.T) {
	p := testConfig().Params
	p.DevAccounts = []config.DevAccount{{Address: common.HexToAddress("0xd1"), Balance: big.NewInt(1), Allowance: big.NewInt(1)}}
	_, err := NewDevBank(p)
	require.ErrorContains(t, err, "contracts.Token")
}
