package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/catalog"
	"github.com/adofsauron/monetdb-dev/src/directors"
	"github.com/adofsauron/monetdb-dev/src/settings"
	"github.com/adofsauron/monetdb-dev/src/txn"
)

// printUsage prints helpful usage information
func printUsage() {
	log.Println("monetdb-dev - commit-time conflict detection engine")
	log.Println("\nUsage:")
	log.Println("  monetdb-dev [options]")
	log.Println("\nOptions:")
	flag.PrintDefaults()

	log.Println("\nExamples:")
	log.Println("  monetdb-dev --datadir=/data")
	log.Println("  monetdb-dev --debug --verbose")
}

func main() {
	// Get the global settings instance
	args := settings.GetSettings()

	// Define command line flags that map to the Arguments struct
	flag.StringVar(&args.DataDir, "datadir", "./datafiles", "Directory to store catalog data files")
	flag.StringVar(&args.LogDir, "logdir", "./log_files", "Directory to store the commit journal")
	flag.BoolVar(&args.Verbose, "verbose", true, "Enable verbose logging")
	flag.StringVar(&args.ConfigFile, "config", "", "Path to config file")
	flag.StringVar(&args.Mode, "mode", "standalone", "Operation mode (standalone, cluster)")
	flag.StringVar(&args.Version, "version", "0.0.1alpha", "Shows version")
	flag.BoolVar(&args.PrintToScreen, "print", true, "Print log messages to screen")
	flag.BoolVar(&args.Debug, "debug", true, "Enable debug mode")

	// Parse the command line
	flag.Parse()

	// Validate the arguments
	if err := validateArguments(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	var logger *zap.Logger
	var err error
	if args.Debug {
		z := zap.NewDevelopmentConfig()
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store := catalog.NewCatalogStore(sugar)
	graph := catalog.NewDependencyGraph(sugar)

	snapshots, err := catalog.NewCatalogStorageEngine(args.DataDir, sugar)
	if err != nil {
		log.Fatalf("Failed to initialize catalog storage: %v", err)
	}
	if snapshots.SnapshotFileExists() {
		if err := snapshots.LoadSnapshot(store); err != nil {
			log.Fatalf("Failed to load catalog snapshot: %v", err)
		}
	}

	journal, err := txn.NewJournal(filepath.Join(args.LogDir, "commits.journal"))
	if err != nil {
		log.Fatalf("Failed to open commit journal: %v", err)
	}

	tm := txn.NewTransactionManager(store, graph, sugar).
		WithJournal(journal).
		WithSnapshotStore(snapshots)
	defer tm.Close()

	schemaService := directors.NewSchemaService(tm, sugar, args)
	dataService := directors.NewDataService(schemaService, tm, sugar, args)
	directors.InitServiceManager(schemaService, dataService, tm, sugar)

	runDemo(sugar, schemaService, dataService, tm)
}

// runDemo replays the classic two-session add-column collision and a
// deferred insert-versus-add-primary-key conflict against a fresh
// catalog, logging each verdict.
func runDemo(sugar *zap.SugaredLogger, schemas *directors.SchemaService, data *directors.DataService, tm *txn.TransactionManager) {
	setup := tm.Begin()
	if err := schemas.CreateSchema(setup, "sys"); err != nil {
		sugar.Fatalf("Setup failed: %v", err)
	}
	if err := schemas.CreateTable(setup, "sys", "w", []string{"i"}, false); err != nil {
		sugar.Fatalf("Setup failed: %v", err)
	}
	if err := tm.Commit(setup); err != nil {
		sugar.Fatalf("Setup commit failed: %v", err)
	}

	// Session 1 and session 2 both try to add column j to table w.
	t1 := tm.Begin()
	t2 := tm.Begin()
	if err := schemas.AddColumn(t1, "sys", "w", "j"); err != nil {
		sugar.Fatalf("Session 1 add column failed: %v", err)
	}
	if err := schemas.AddColumn(t2, "sys", "w", "j"); err != nil {
		sugar.Infof("Session 2 rejected at statement time: %v", err)
	}
	if err := tm.Commit(t1); err != nil {
		sugar.Fatalf("Session 1 commit failed: %v", err)
	}
	if err := tm.Rollback(t2); err != nil {
		sugar.Fatalf("Session 2 rollback failed: %v", err)
	}

	// Session 1 inserts duplicate keys while session 2 adds a primary
	// key on the same column; the later committer loses.
	t1 = tm.Begin()
	t2 = tm.Begin()
	if err := data.Insert(t1, "sys", "w",
		txn.Row{"i": 5}, txn.Row{"i": 5}, txn.Row{"i": 5}); err != nil {
		sugar.Fatalf("Session 1 insert failed: %v", err)
	}
	if err := schemas.AddConstraint(t2, "sys", "w", "w_i_pkey", catalog.ConstraintPrimaryKey, []string{"i"}, "", ""); err != nil {
		sugar.Fatalf("Session 2 add primary key failed: %v", err)
	}
	if err := tm.Commit(t1); err != nil {
		sugar.Fatalf("Session 1 commit failed: %v", err)
	}
	if err := tm.Commit(t2); err != nil {
		sugar.Infof("Session 2 rejected at commit time: %v", err)
		if err := tm.Rollback(t2); err != nil {
			sugar.Fatalf("Session 2 rollback failed: %v", err)
		}
	}

	sugar.Infof("Demo finished; catalog at version %d", tm.Store().CurrentVersion())
}

// validateArguments validates the arguments and returns an error if invalid
func validateArguments(args *settings.Arguments) error {
	// Check if data directory exists and is accessible
	dirInfo, err := os.Stat(args.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			// Try to create the directory
			err = os.MkdirAll(args.DataDir, 0755)
			if err != nil {
				return fmt.Errorf("could not create data directory: %w", err)
			}
		} else {
			return fmt.Errorf("error accessing data directory: %w", err)
		}
	} else if !dirInfo.IsDir() {
		return fmt.Errorf("data directory path exists but is not a directory: %s", args.DataDir)
	}

	if args.LogDir != "" {
		if _, err := os.Stat(args.LogDir); os.IsNotExist(err) {
			if err := os.MkdirAll(args.LogDir, 0755); err != nil {
				return fmt.Errorf("could not create log directory: %w", err)
			}
		}
	}

	return nil
}
