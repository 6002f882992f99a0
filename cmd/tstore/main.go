// TStore administrative CLI
// Inspects and repairs a transactional store file directly, without a network surface.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/nainya/tstore/internal/logger"
	"github.com/nainya/tstore/internal/metrics"
	"github.com/nainya/tstore/pkg/txn"
)

var (
	dbPath      = flag.String("db", "tstore.db", "Database file path")
	lockTimeout = flag.Duration("lock-timeout", 0, "Lock wait budget for blocking writes (0 = fail immediately)")
	listOpen    = flag.Bool("list", false, "List open and prepared transactions")
	commitID    = flag.Int64("commit", 0, "Force-commit the transaction with this id")
	rollbackID  = flag.Int64("rollback", 0, "Force-rollback the transaction with this id")
	diskUsage   = flag.Bool("disk-usage", false, "Print backing-store disk usage and exit")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: "info", Pretty: true})
	log.Printf("TStore admin CLI")
	log.Printf("Database: %s", *dbPath)

	store, err := txn.Open(*dbPath, txn.Settings{
		LockTimeout: *lockTimeout,
		Metrics:     metrics.NewMetrics(),
		Logger:      logger.GetGlobalLogger(),
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	switch {
	case *listOpen:
		listOpenTransactions(store)
	case *commitID != 0:
		forceCommit(store, *commitID)
	case *rollbackID != 0:
		forceRollback(store, *rollbackID)
	case *diskUsage:
		printDiskUsage(store)
	default:
		flag.Usage()
	}
}

func listOpenTransactions(store *txn.TransactionStore) {
	txns := store.GetOpenTransactions()
	if len(txns) == 0 {
		fmt.Println("no open or prepared transactions")
		return
	}

	fmt.Printf("%-10s %-10s %-10s %s\n", "ID", "STATUS", "LOG-ID", "NAME")
	for _, tx := range txns {
		fmt.Printf("%-10d %-10s %-10d %s\n", tx.ID(), tx.GetStatus(), tx.LogID(), tx.GetName())
	}
}

func forceCommit(store *txn.TransactionStore, id int64) {
	tx := findTransaction(store, id)
	if tx == nil {
		log.Fatalf("no open transaction with id %d", id)
	}
	if err := tx.Commit(); err != nil {
		log.Fatalf("commit %d failed: %v", id, err)
	}
	fmt.Printf("transaction %d committed\n", id)
}

func forceRollback(store *txn.TransactionStore, id int64) {
	tx := findTransaction(store, id)
	if tx == nil {
		log.Fatalf("no open transaction with id %d", id)
	}
	if err := tx.Rollback(); err != nil {
		log.Fatalf("rollback %d failed: %v", id, err)
	}
	fmt.Printf("transaction %d rolled back\n", id)
}

func findTransaction(store *txn.TransactionStore, id int64) *txn.Transaction {
	for _, tx := range store.GetOpenTransactions() {
		if tx.ID() == id {
			return tx
		}
	}
	return nil
}

func printDiskUsage(store *txn.TransactionStore) {
	bytes := store.DiskSpaceUsed()
	fmt.Printf("disk usage: %d bytes (%.2f MB)\n", bytes, float64(bytes)/(1<<20))
}
