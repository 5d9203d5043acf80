package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/pharmaledger/internal/service/grpc"
)

type loadMode string

const (
	// modeSale: IMPORT + SALE по одной единице на общем наборе держателей.
	modeSale loadMode = "sale"
	// modeTransfer: IMPORT продавцу + B2B-перевод покупателю.
	modeTransfer loadMode = "transfer"
	// modeOrder: полный жизненный цикл заказа от DRAFT до DELIVERED.
	modeOrder loadMode = "order"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	batchID     string
	sellerID    string
	buyerID     string
	holders     int
	unitPrice   string
	actorID     string
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg  config
		mode string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to execute; with -duration only applied when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&mode, "mode", string(modeSale), "load mode: sale | transfer | order")
	fs.StringVar(&cfg.batchID, "batch", "", "usable lot id known to the registry")
	fs.StringVar(&cfg.sellerID, "seller", "", "wholesaler pharmacy id (transfer, order)")
	fs.StringVar(&cfg.buyerID, "buyer", "", "retailer pharmacy id (transfer, order)")
	fs.IntVar(&cfg.holders, "holders", 8, "distinct retail holders in sale mode; fewer means more lock contention")
	fs.StringVar(&cfg.unitPrice, "unit-price", "", "order unit price; empty uses the authorized price")
	fs.StringVar(&cfg.actorID, "actor", "loadtest", "actor id recorded on every movement")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	cfg.mode = loadMode(strings.TrimSpace(mode))
	switch cfg.mode {
	case modeSale:
		if cfg.holders <= 0 {
			return cfg, errors.New("holders must be > 0")
		}
	case modeTransfer, modeOrder:
		if strings.TrimSpace(cfg.sellerID) == "" || strings.TrimSpace(cfg.buyerID) == "" {
			return cfg, fmt.Errorf("mode %s requires -seller and -buyer", cfg.mode)
		}
		if cfg.sellerID == cfg.buyerID {
			return cfg, errors.New("seller and buyer must differ")
		}
	default:
		return cfg, fmt.Errorf("unsupported mode: %s", mode)
	}

	switch {
	case strings.TrimSpace(cfg.batchID) == "":
		return cfg, errors.New("batch is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case strings.TrimSpace(cfg.actorID) == "":
		return cfg, errors.New("actor is required")
	}
	return cfg, nil
}

// caller — то, что нужно сценарию от gRPC клиента.
type caller interface {
	Call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) (map[string]any, error)
}

// runner выполняет сценарии одного прогона.
type runner struct {
	cfg   config
	runID string
	col   *collector
}

func (r *runner) call(client caller, method, key string, fields map[string]any) (map[string]any, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.timeout)
	defer cancel()
	if key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, grpcsvc.IdempotencyKeyHeader, key)
	}

	resp, err := client.Call(ctx, method, fields)
	r.col.record(method, time.Since(start), grpcCode(err))
	return resp, err
}

func (r *runner) key(step string, index int) string {
	return fmt.Sprintf("lt-%s-%s-%d", step, r.runID, index)
}

func pharmacy(id string) map[string]any {
	return map[string]any{"kind": "PHARMACY", "id": id}
}

func (r *runner) importUnits(client caller, holderID string, qty, index int) error {
	_, err := r.call(client, grpcsvc.MethodRecordMovement, r.key("import", index), map[string]any{
		"holder":   pharmacy(holderID),
		"batch_id": r.cfg.batchID,
		"kind":     "IMPORT",
		"quantity": qty,
		"actor_id": r.cfg.actorID,
	})
	return err
}

// prepare открывает кредитную линию покупателя для режима order.
func (r *runner) prepare(client caller) error {
	if r.cfg.mode != modeOrder {
		return nil
	}
	_, err := r.call(client, grpcsvc.MethodOpenCreditLine, r.key("credit", 0), map[string]any{
		"pharmacy_id":  r.cfg.buyerID,
		"credit_limit": "1000000000",
		"actor_id":     r.cfg.actorID,
	})
	return err
}

func (r *runner) runScenario(client caller, index int) (err error) {
	start := time.Now()
	defer func() {
		r.col.record(scenarioMetric, time.Since(start), grpcCode(err))
	}()

	switch r.cfg.mode {
	case modeSale:
		holder := fmt.Sprintf("%s-retail-%d", r.cfg.actorID, index%r.cfg.holders)
		if err := r.importUnits(client, holder, 1, index); err != nil {
			return err
		}
		_, err = r.call(client, grpcsvc.MethodProcessRetailSale, r.key("sale", index), map[string]any{
			"holder":   pharmacy(holder),
			"batch_id": r.cfg.batchID,
			"quantity": 1,
			"actor_id": r.cfg.actorID,
		})
		return err
	case modeTransfer:
		if err := r.importUnits(client, r.cfg.sellerID, 1, index); err != nil {
			return err
		}
		_, err = r.call(client, grpcsvc.MethodProcessTransfer, r.key("transfer", index), map[string]any{
			"seller":   pharmacy(r.cfg.sellerID),
			"buyer":    pharmacy(r.cfg.buyerID),
			"batch_id": r.cfg.batchID,
			"quantity": 1,
			"actor_id": r.cfg.actorID,
		})
		return err
	default:
		return r.runOrder(client, index)
	}
}

func (r *runner) runOrder(client caller, index int) error {
	if err := r.importUnits(client, r.cfg.sellerID, 1, index); err != nil {
		return err
	}
	item := map[string]any{"batch_id": r.cfg.batchID, "quantity": 1}
	if r.cfg.unitPrice != "" {
		item["unit_price"] = r.cfg.unitPrice
	}
	created, err := r.call(client, grpcsvc.MethodCreateOrder, r.key("create", index), map[string]any{
		"seller_id": r.cfg.sellerID,
		"buyer_id":  r.cfg.buyerID,
		"items":     []any{item},
		"actor_id":  r.cfg.actorID,
	})
	if err != nil {
		return err
	}
	draft, _ := created["order"].(map[string]any)
	orderID, _ := draft["id"].(string)
	if orderID == "" {
		return status.Error(codes.Internal, "create response returned empty order id")
	}

	for _, method := range []string{
		grpcsvc.MethodSubmitOrder,
		grpcsvc.MethodApproveOrder,
		grpcsvc.MethodShipOrder,
		grpcsvc.MethodDeliverOrder,
	} {
		if _, err := r.call(client, method, r.key(method, index), map[string]any{
			"order_id": orderID,
			"actor_id": r.cfg.actorID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()
	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

// execute прогоняет сценарии на пуле клиентов и возвращает отчёт.
func execute(cfg config, clients []caller) (report, error) {
	startedAt := time.Now()
	r := &runner{
		cfg:   cfg,
		runID: fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid()),
		col:   newCollector(),
	}
	if err := r.prepare(clients[0]); err != nil {
		return report{}, fmt.Errorf("prepare run: %w", err)
	}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(client caller) {
			defer wg.Done()
			for index := range jobs {
				_ = r.runScenario(client, index)
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return r.col.buildReport(cfg.mode, startedAt, time.Since(startedAt)), nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]caller, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewLedgerClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	result, err := execute(cfg, clients)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, runTarget(cfg))
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}
