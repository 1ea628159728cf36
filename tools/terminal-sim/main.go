package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Report contabiliza os resultados de checkout por tipo
type Report struct {
	mu     sync.Mutex
	counts map[string]int
}

func newReport() *Report {
	return &Report{counts: make(map[string]int)}
}

func (r *Report) add(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[outcome]++
}

// Count devolve quantos checkouts terminaram com o resultado informado
func (r *Report) Count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[outcome]
}

func (r *Report) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.counts))
	for k := range r.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for _, k := range keys {
		out += fmt.Sprintf("  %-24s %d\n", k, r.counts[k])
	}
	return out
}

// Simulate dispara checkouts de 1 unidade a partir de vários terminais em paralelo
func Simulate(ctx context.Context, client *Client, productID string, terminals, checkoutsPerTerminal int) (*Report, error) {
	report := newReport()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(terminals)

	for i := 0; i < terminals*checkoutsPerTerminal; i++ {
		g.Go(func() error {
			outcome, err := client.Checkout(ctx, []cartLine{{ProductID: productID, Quantity: 1}})
			if err != nil {
				return err
			}
			report.add(outcome)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func main() {
	baseURL := getEnv("POS_URL", "http://localhost:8080")
	terminals := getEnvInt("SIM_TERMINALS", 8)
	checkouts := getEnvInt("SIM_CHECKOUTS", 25)
	stock := getEnvInt("SIM_STOCK", 100)

	client := NewClient(baseURL, os.Getenv("POS_API_TOKEN"), 10*time.Second)
	ctx := context.Background()

	product, err := client.CreateProduct(ctx, productRequest{
		Name:          "Simulation item",
		SKU:           "SIM-" + uuid.NewString()[:8],
		Price:         "1.99",
		StockQuantity: stock,
	})
	if err != nil {
		log.Fatalf("Failed to seed product: %v", err)
	}
	log.Printf("🚀 Simulating %d terminals x %d checkouts against stock %d (product %s)", terminals, checkouts, stock, product.ID)

	started := time.Now()
	report, err := Simulate(ctx, client, product.ID, terminals, checkouts)
	if err != nil {
		log.Fatalf("Simulation aborted: %v", err)
	}

	final, err := client.GetProduct(ctx, product.ID)
	if err != nil {
		log.Fatalf("Failed to read final stock: %v", err)
	}

	fmt.Printf("Finished in %s\n%s", time.Since(started).Round(time.Millisecond), report)
	fmt.Printf("  %-24s %d\n", "final stock", final.StockQuantity)

	sold := report.Count(outcomeSuccess)
	if sold > stock || final.StockQuantity != stock-sold {
		log.Fatalf("❌ Stock mismatch: sold=%d initial=%d final=%d", sold, stock, final.StockQuantity)
	}
	log.Println("✅ Stock is consistent with committed sales")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
