package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rebase-policy/internal/alerting"
	"rebase-policy/internal/config"
	"rebase-policy/internal/fixedpoint"
	"rebase-policy/internal/ledger"
	"rebase-policy/internal/policy"
	"rebase-policy/internal/pricefeed"
	"rebase-policy/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) owner() policy.Principal {
	return common.HexToAddress(a.Config.Policy.Owner)
}

// orchestrator returns the configured orchestrator; the zero address blocks every rebase.
func (a *App) orchestrator() policy.Principal {
	if a.Config.Policy.Orchestrator == "" {
		return policy.Principal{}
	}
	return common.HexToAddress(a.Config.Policy.Orchestrator)
}

func (a *App) keeperCaller() policy.Principal {
	if a.Config.Keeper.Caller != "" {
		return common.HexToAddress(a.Config.Keeper.Caller)
	}
	return a.orchestrator()
}

// newPolicy initialises a policy and applies the configured parameters as the owner.
func (a *App) newPolicy(l policy.Ledger, orchestrator policy.Principal, opts ...policy.Option) (*policy.Policy, error) {
	opts = append([]policy.Option{policy.WithLogger(a.Logger)}, opts...)
	p, err := policy.New(a.owner(), l, opts...)
	if err != nil {
		return nil, err
	}

	owner := a.owner()
	threshold, err := a.Config.Policy.Threshold()
	if err != nil {
		return nil, err
	}
	if err := p.SetDeviationThreshold(owner, threshold); err != nil {
		return nil, err
	}
	if err := p.SetRebaseLag(owner, a.Config.Policy.RebaseLag); err != nil {
		return nil, err
	}
	interval, offset, length := a.Config.Policy.TimingSeconds()
	if err := p.SetTimingParameters(owner, interval, offset, length); err != nil {
		return nil, err
	}
	if orchestrator != (policy.Principal{}) {
		if err := p.SetOrchestrator(owner, orchestrator); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// tokenAtoms converts a whole-token amount into the ledger's smallest unit.
func (a *App) tokenAtoms(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse supply %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("supply %q cannot be negative", amount)
	}
	scaled := d.Shift(a.Config.Keeper.TokenDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("supply %q has more than %d decimals", amount, a.Config.Keeper.TokenDecimals)
	}
	return scaled.BigInt(), nil
}

func (a *App) formatTokens(atoms *big.Int) string {
	if atoms == nil {
		return "0"
	}
	return decimal.NewFromBigInt(atoms, -a.Config.Keeper.TokenDecimals).String()
}

func (a *App) newLedger() (policy.Ledger, error) {
	switch a.Config.Keeper.Ledger {
	case "ethereum":
		eth := a.Config.Ethereum
		return ledger.NewEthereum(ledger.EthereumOptions{
			RPCURL:         eth.RPCURL,
			TokenAddress:   eth.TokenAddress,
			PrivateKeyHex:  eth.PrivateKey,
			ChainID:        eth.ChainID,
			GasLimit:       eth.GasLimit,
			Timeout:        eth.RequestTimeout,
			ReceiptTimeout: eth.ReceiptTimeout,
			PollInterval:   eth.PollInterval,
		}, a.Logger)
	default:
		supply, err := a.tokenAtoms(a.Config.Keeper.InitialSupply)
		if err != nil {
			return nil, err
		}
		a.Logger.Warn().Str("supply", a.Config.Keeper.InitialSupply).Msg("using in-memory ledger; rebases are not persisted on-chain")
		return ledger.NewMemory(supply, a.Logger), nil
	}
}

func (a *App) newSources() (trading, target pricefeed.Source, err error) {
	k := a.Config.Keeper
	switch k.TradingSource {
	case "static":
		v, err := decimal.NewFromString(k.StaticTrading)
		if err != nil {
			return nil, nil, fmt.Errorf("keeper.static_trading: %w", err)
		}
		trading = pricefeed.NewStatic("static_trading", v)
	default:
		cow := a.Config.Cow
		trading = pricefeed.NewMarket(pricefeed.MarketOptions{
			BaseURL:      cow.BaseURL,
			PriceQuality: cow.PriceQuality,
			Notional:     decimal.NewFromFloat(cow.Notional),
			Timeout:      cow.RequestTimeout,
			UserAgent:    cow.UserAgent,
			SellToken:    cow.SellToken,
			BuyToken:     cow.BuyToken,
			SellDecimals: cow.SellDecimals,
			BuyDecimals:  cow.BuyDecimals,
		}, a.Logger)
	}

	switch k.TargetSource {
	case "static":
		v, err := decimal.NewFromString(k.StaticTarget)
		if err != nil {
			return nil, nil, fmt.Errorf("keeper.static_target: %w", err)
		}
		target = pricefeed.NewStatic("static_target", v)
	default:
		eth := a.Config.Ethereum
		target = pricefeed.NewAggregator(pricefeed.AggregatorOptions{
			RPCURL:  eth.RPCURL,
			Address: eth.AggregatorAddress,
			Timeout: eth.RequestTimeout,
			MaxAge:  eth.AggregatorMaxAge,
		}, a.Logger)
	}
	return trading, target, nil
}

// newNotifier returns nil when alerting is off or no channel is enabled.
func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	router := alerting.NewRouter(a.Logger)
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		router.Register(alerting.ChannelTelegram, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
	}
	if router.Len() == 0 {
		return nil
	}
	return router
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Logger)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; cannot " + action)
	}
	return store, closeStore, nil
}

// Migrate applies the SQL files under database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("files", applied).Str("path", a.Config.Database.MigrationsPath).Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting rebase history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Runs  bool
}

func formatPrice(v *big.Int) string {
	return fixedpoint.Format(v, 6)
}

type runLister func(ctx context.Context, limit int) ([]storage.KeeperRun, error)
