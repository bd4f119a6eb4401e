// Command rehydrate reconstructs a session's virtual file system as of a
// point in time and prints or materializes it. It reads the same graph
// and blob backends the service writes, so an operator can inspect what
// an agent's workspace looked like at any historical instant.
//
// Environment variables:
//
//	FALKORDB_URL       - graph store, e.g. redis://localhost:6379 (required)
//	ENGRAM_GRAPH       - graph key inside FalkorDB (default: "engram")
//	BLOB_STORAGE_PATH  - filesystem blob directory
//	GCS_BUCKET         - GCS blob bucket (default credentials)
//	S3_BUCKET          - S3 blob bucket (default AWS chain)
//
// Examples:
//
//	rehydrate -session 7f3c0a1e-... -list
//	rehydrate -session 7f3c0a1e-... -at 2026-06-01T12:00:00Z -file src/main.go
//	rehydrate -session 7f3c0a1e-... -out /tmp/restored
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	gstorage "cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hyperengineering/engram/blob"
	"github.com/hyperengineering/engram/features/blob/fs"
	blobgcs "github.com/hyperengineering/engram/features/blob/gcs"
	blobs3 "github.com/hyperengineering/engram/features/blob/s3"
	memfalkor "github.com/hyperengineering/engram/features/memory/falkor"
	falkorclient "github.com/hyperengineering/engram/features/memory/falkor/clients/falkor"
	"github.com/hyperengineering/engram/rehydrate"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var (
		sessionF  = flag.String("session", "", "session id (required)")
		atF       = flag.String("at", "", "RFC3339 instant to rehydrate at (default: now)")
		listF     = flag.Bool("list", false, "print file paths")
		fileF     = flag.String("file", "", "print one file's content")
		outF      = flag.String("out", "", "materialize the tree under this directory")
		snapshotF = flag.Bool("snapshot", false, "write the gzipped snapshot JSON to stdout")
	)
	flag.Parse()
	_ = godotenv.Load()

	if *sessionF == "" {
		return errors.New("-session is required")
	}
	sessionID, err := uuid.Parse(*sessionF)
	if err != nil {
		return fmt.Errorf("bad session id: %w", err)
	}
	at := time.Now()
	if *atF != "" {
		if at, err = time.Parse(time.RFC3339, *atF); err != nil {
			return fmt.Errorf("bad -at timestamp: %w", err)
		}
	}

	ctx := context.Background()

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, closeBlobs, err := openBlobs(ctx)
	if err != nil {
		return err
	}
	defer closeBlobs()

	svc, err := rehydrate.New(rehydrate.Options{Store: store, Blobs: blobs})
	if err != nil {
		return err
	}
	vfs, err := svc.Rehydrate(ctx, sessionID, at)
	if err != nil {
		return fmt.Errorf("rehydrate %s at %s: %w", sessionID, at.Format(time.RFC3339), err)
	}

	switch {
	case *fileF != "":
		content, err := vfs.ReadFile(*fileF)
		if err != nil {
			return err
		}
		fmt.Print(content)
	case *outF != "":
		n, err := materialize(vfs, *outF)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d files under %s\n", n, *outF)
	case *snapshotF:
		snap, err := vfs.Snapshot()
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(snap); err != nil {
			return err
		}
	case *listF:
		fallthrough
	default:
		for _, p := range vfs.List() {
			fmt.Println(p)
		}
	}
	return nil
}

// openStore connects the FalkorDB-backed graph store.
func openStore() (*memfalkor.Store, func(), error) {
	url := os.Getenv("FALKORDB_URL")
	if url == "" {
		return nil, nil, errors.New("FALKORDB_URL is required")
	}
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse FALKORDB_URL: %w", err)
	}
	rdb := goredis.NewClient(ropts)
	cli, err := falkorclient.New(falkorclient.Options{Redis: rdb, Graph: envOr("ENGRAM_GRAPH", "engram")})
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	st, err := memfalkor.NewStore(memfalkor.Options{Client: cli})
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return st, func() { rdb.Close() }, nil
}

// openBlobs selects the blob backend from the environment.
func openBlobs(ctx context.Context) (blob.Store, func(), error) {
	noop := func() {}
	switch {
	case os.Getenv("BLOB_STORAGE_PATH") != "":
		st, err := fs.New(fs.Options{Dir: os.Getenv("BLOB_STORAGE_PATH")})
		return st, noop, err
	case os.Getenv("GCS_BUCKET") != "":
		gc, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		st, err := blobgcs.New(blobgcs.Options{Client: gc, Bucket: os.Getenv("GCS_BUCKET")})
		if err != nil {
			gc.Close()
			return nil, nil, err
		}
		return st, func() { gc.Close() }, nil
	case os.Getenv("S3_BUCKET") != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		st, err := blobs3.New(blobs3.Options{Client: awss3.NewFromConfig(awsCfg), Bucket: os.Getenv("S3_BUCKET")})
		return st, noop, err
	default:
		return nil, nil, errors.New("blob storage is required: set BLOB_STORAGE_PATH, GCS_BUCKET, or S3_BUCKET")
	}
}

// materialize writes every file in the tree under dir.
func materialize(vfs *rehydrate.VFS, dir string) (int, error) {
	n := 0
	for _, p := range vfs.List() {
		content, err := vfs.ReadFile(p)
		if err != nil {
			return n, fmt.Errorf("read %s: %w", p, err)
		}
		dst := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return n, err
		}
		if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
