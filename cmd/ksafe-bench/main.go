// Command ksafe-bench is a small smoke-test harness: it opens a Vault
// against a file-backed store and exercises put/get/delete, printing
// what it observes. It is not a supported API surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ksafevault/ksafe/internal/prefstore"

	"github.com/ksafevault/ksafe"
)

func main() {
	var (
		path      = flag.String("path", "ksafe-bench.json", "path to the file-backed preference store")
		namespace = flag.String("namespace", "bench", "vault namespace")
		key       = flag.String("key", "greeting", "key to exercise")
		value     = flag.String("value", "hello", "value to write")
		encrypted = flag.Bool("encrypted", false, "exercise the encrypted read/write path")
		logLevel  = flag.String("log-level", "info", "hclog level")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "ksafe-bench",
		Level: hclog.LevelFromString(*logLevel),
	})

	if err := run(logger, *path, *namespace, *key, *value, *encrypted); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(logger hclog.Logger, path, namespace, key, value string, encrypted bool) error {
	backend, err := prefstore.OpenFileBackend(path, logger)
	if err != nil {
		return fmt.Errorf("opening backend: %w", err)
	}
	defer backend.Close()

	v, err := ksafe.New(
		ksafe.WithNamespace(namespace),
		ksafe.WithBackend(backend),
		ksafe.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("constructing vault: %w", err)
	}
	defer v.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ksafe.Put(ctx, v, key, value, encrypted); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	fmt.Printf("put %q = %q (encrypted=%v)\n", key, value, encrypted)

	got := ksafe.GetDirect(v, key, "", encrypted)
	fmt.Printf("get %q = %q\n", key, got)

	if err := v.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	afterDelete := ksafe.GetDirect(v, key, "<absent>", encrypted)
	fmt.Printf("get %q after delete = %q\n", key, afterDelete)

	return nil
}
