package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"tradedesk/internal/api"
	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
	"tradedesk/pkg/tradedesk"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tradedesk-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version      Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status       Show tradedesk-server health\n")
		fmt.Fprintf(os.Stderr, "  orders       List orders (-status, -symbol, -strategy)\n")
		fmt.Fprintf(os.Stderr, "  submit       Submit an order (-symbol, -side, -qty, -type, -price)\n")
		fmt.Fprintf(os.Stderr, "  cancel ID    Cancel a working order\n")
		fmt.Fprintf(os.Stderr, "  retry ID     Retry placement of a PENDING order\n")
		fmt.Fprintf(os.Stderr, "  positions    List open positions\n")
		fmt.Fprintf(os.Stderr, "  portfolio    Show the portfolio summary and performance\n")
		fmt.Fprintf(os.Stderr, "  trades       List trades (-symbol, -limit)\n")
		fmt.Fprintf(os.Stderr, "  watch        Stream engine events over gRPC (-kinds)\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment: TRADEDESK_URL (default http://localhost:8080), TRADEDESK_GRPC (default localhost:9090)\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	baseURL := "http://localhost:8080"
	if u := os.Getenv("TRADEDESK_URL"); u != "" {
		baseURL = u
	}
	c := tradedesk.NewClient(baseURL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("tradedesk-cli %s\n", version)
	case "status":
		err = status(ctx, c)
	case "orders":
		err = orders(ctx, c, args)
	case "submit":
		err = submit(ctx, c, args)
	case "cancel":
		err = withID(args, func(id string) error {
			ok, err := c.CancelOrder(ctx, id)
			if err == nil {
				fmt.Printf("cancelled: %v\n", ok)
			}
			return err
		})
	case "retry":
		err = withID(args, func(id string) error {
			o, err := c.RetryOrder(ctx, id)
			if err == nil {
				printOrders([]domain.Order{o})
			}
			return err
		})
	case "positions":
		err = positions(ctx, c)
	case "portfolio":
		err = portfolio(ctx, c)
	case "trades":
		err = trades(ctx, c, args)
	case "watch":
		err = watch(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withID(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one order id")
	}
	return fn(args[0])
}

func status(ctx context.Context, c *tradedesk.Client) error {
	h, err := c.GetHealth(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status:           %s\n", h.Status)
	fmt.Printf("server time:      %s\n", h.Time.Format(time.RFC3339))
	fmt.Printf("open orders:      %d\n", h.OpenOrders)
	fmt.Printf("monitored orders: %d\n", h.MonitoredOrders)
	fmt.Printf("positions:        %d\n", h.Positions)
	fmt.Printf("ws clients:       %d\n", h.WSClients)
	fmt.Printf("dropped events:   %d\n", h.DroppedEvents)
	return nil
}

func orders(ctx context.Context, c *tradedesk.Client, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	st := fs.String("status", "", "filter by status")
	sym := fs.String("symbol", "", "filter by symbol")
	strat := fs.String("strategy", "", "filter by strategy id")
	fs.Parse(args)

	list, err := c.ListOrders(ctx, tradedesk.OrderFilter{
		Status:     domain.OrderStatus(strings.ToUpper(*st)),
		Symbol:     strings.ToUpper(*sym),
		StrategyID: *strat,
	})
	if err != nil {
		return err
	}
	printOrders(list)
	return nil
}

func submit(ctx context.Context, c *tradedesk.Client, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	sym := fs.String("symbol", "", "symbol to trade")
	side := fs.String("side", "BUY", "BUY or SELL")
	qty := fs.Float64("qty", 0, "quantity")
	typ := fs.String("type", "MARKET", "MARKET, LIMIT or STOP_LOSS")
	price := fs.Float64("price", 0, "limit or stop price")
	validity := fs.String("validity", "DAY", "DAY, GTC or IOC")
	brk := fs.String("broker", "", "broker id (server default when empty)")
	fs.Parse(args)

	o, err := c.SubmitOrder(ctx, tradedesk.OrderRequest{
		BrokerID: *brk,
		Symbol:   strings.ToUpper(*sym),
		Side:     domain.OrderSide(strings.ToUpper(*side)),
		Quantity: *qty,
		Price:    *price,
		Type:     domain.OrderType(strings.ToUpper(*typ)),
		Validity: domain.Validity(strings.ToUpper(*validity)),
	})
	if err != nil {
		return err
	}
	printOrders([]domain.Order{o})
	return nil
}

func positions(ctx context.Context, c *tradedesk.Client) error {
	list, err := c.GetPositions(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tQTY\tAVG\tLAST\tUNREALIZED\tREALIZED\tDAY")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%g\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n",
			p.Symbol, p.Quantity, p.AvgPrice, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL, p.DayChange)
	}
	return w.Flush()
}

func portfolio(ctx context.Context, c *tradedesk.Client) error {
	sum, err := c.GetPortfolio(ctx)
	if err != nil {
		return err
	}
	perf, err := c.GetPerformance(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"summary": sum, "performance": perf})
}

func trades(ctx context.Context, c *tradedesk.Client, args []string) error {
	fs := flag.NewFlagSet("trades", flag.ExitOnError)
	sym := fs.String("symbol", "", "filter by symbol")
	strat := fs.String("strategy", "", "filter by strategy id")
	limit := fs.Int("limit", 20, "maximum number of trades")
	fs.Parse(args)

	list, err := c.GetTrades(ctx, tradedesk.TradeFilter{Symbol: strings.ToUpper(*sym), StrategyID: *strat, Limit: *limit})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSYMBOL\tSIDE\tQTY\tPRICE\tPNL\tSTRATEGY")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%.2f\t%.2f\t%s\n",
			t.Timestamp.Format(time.RFC3339), t.Symbol, t.Side, t.Quantity, t.Price, t.PnL, t.StrategyID)
	}
	return w.Flush()
}

func watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	kinds := fs.String("kinds", "", "comma separated event kinds, empty for all")
	fs.Parse(args)

	addr := "localhost:9090"
	if a := os.Getenv("TRADEDESK_GRPC"); a != "" {
		addr = a
	}
	client, err := api.DialEvents(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	var filter []eventbus.Kind
	for _, k := range strings.Split(*kinds, ",") {
		if k = strings.TrimSpace(k); k != "" {
			filter = append(filter, eventbus.Kind(k))
		}
	}
	enc := json.NewEncoder(os.Stdout)
	return client.Subscribe(ctx, filter, func(ev eventbus.Event) error {
		return enc.Encode(ev)
	})
}

func printOrders(list []domain.Order) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tTYPE\tQTY\tPRICE\tSTATUS\tFILLED\tREASON")
	for _, o := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%.2f\t%s\t%g@%.2f\t%s\n",
			o.ID, o.Symbol, o.Side, o.Type, o.Quantity, o.Price, o.Status, o.FilledQty, o.FilledPrice, o.RejectReason)
	}
	w.Flush()
}
