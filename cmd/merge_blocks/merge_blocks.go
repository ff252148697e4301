// Command merge_blocks gathers a fraction of the rows of every block
// embedding shard into a single training matrix for index training.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/wbrown/realm_prep/merge"
	"github.com/yargevad/filepathx"
)

// shardPaths expands input into an ordered list of shard paths. A list of
// s3:// paths is used as given, anything else is globbed for *.emb files.
func shardPaths(input string) ([]string, error) {
	if strings.HasPrefix(input, "s3://") {
		var paths []string
		for _, path := range strings.Split(input, ",") {
			if path = strings.TrimSpace(path); path != "" {
				paths = append(paths, path)
			}
		}
		return paths, nil
	}
	paths, err := filepathx.Glob(filepath.Join(input, "**", "*.emb"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func main() {
	input := flag.String("input", "",
		"directory of *.emb shards or comma separated s3:// paths")
	output := flag.String("output", ".", "directory for the training file")
	fraction := flag.Float64("fraction", 0.1,
		"fraction of each shard's rows to load")
	maxGroupRows := flag.Int("max_group_rows", 1<<22,
		"rows loaded concurrently per group")
	workers := flag.Int("workers", 0, "max concurrent loads, 0 for no cap")
	ioLimit := flag.String("io_limit", "",
		"read throughput cap such as 200MB, empty for none")
	region := flag.String("region", "us-east-1", "s3 region")
	flag.Parse()
	if *input == "" {
		flag.Usage()
		log.Fatal("Must provide -input")
	}

	paths, err := shardPaths(*input)
	if err != nil {
		log.Fatal(err)
	}
	if len(paths) == 0 {
		log.Fatalf("No shards found in %s", *input)
	}

	var src merge.ShardSource = merge.LocalSource{}
	if strings.HasPrefix(paths[0], "s3://") {
		s3src, err := merge.NewS3Source(*region)
		if err != nil {
			log.Fatal(err)
		}
		if src, err = merge.SourceFor(paths[0], s3src); err != nil {
			log.Fatal(err)
		}
	}

	opts := merge.DefaultOptions()
	opts.LoadFraction = *fraction
	opts.MaxGroupRows = *maxGroupRows
	opts.MaxWorkers = *workers
	if *ioLimit != "" {
		bytesPerSec, err := humanize.ParseBytes(*ioLimit)
		if err != nil {
			log.Fatalf("bad -io_limit: %v", err)
		}
		opts.IOBytesPerSec = int(bytesPerSec)
	}
	bar := progressbar.Default(-1, fmt.Sprintf("merging %d shards",
		len(paths)))
	opts.Progress = func(done, total int) {
		bar.ChangeMax(total)
		_ = bar.Set(done)
	}

	name, err := merge.MergeToFile(context.Background(), src, paths,
		*output, opts)
	_ = bar.Finish()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s", name)
}
