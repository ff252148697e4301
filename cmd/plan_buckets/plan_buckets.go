// Command plan_buckets re-tokenizes the chunks of one or more token corpora
// under a WordPiece vocabulary and plans length-bucketed micro-batches over
// them. The chunk index, with secondary lengths, is written next to the
// plan cache so later runs reuse both.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/realm_prep/chunks"
	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/sample"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
)

// resolveSource tries id as an internal gpt_bpe reference first, then as a
// path or Hugging Face id.
func resolveSource(id string) (*tokenizer.GPTBPE, error) {
	if source, err := tokenizer.NewGPTBPE(id + "-tokenizer"); err == nil {
		return source, nil
	}
	return tokenizer.NewGPTBPE(id)
}

// paddingStats returns the padded token count of plan and of padding every
// chunk to the max sequence length.
func paddingStats(plan *chunks.Plan) (bucketed, flat int64) {
	for sampleID := 0; sampleID < plan.Len(); sampleID++ {
		bucketed += int64(plan.PadTarget(sampleID) + 2)
	}
	return bucketed, int64(plan.Len()) * int64(plan.MaxSeqLength)
}

func unmask(example *sample.MaskedExample) types.Tokens {
	out := make(types.Tokens, 0, len(example.Tokens))
	for idx, tok := range example.Tokens {
		if example.PadMask[idx] == 0 {
			break
		}
		if example.Labels[idx] != sample.IgnoreLabel {
			tok = types.Token(example.Labels[idx])
		}
		out = append(out, tok)
	}
	return out
}

func main() {
	inputPrefixes := flag.String("input", "",
		"comma separated token corpus prefixes")
	sourceTokenizerId := flag.String("input_tokenizer", "gpt2",
		"input tokenizer id [gpt2, pile, huggingface-id]")
	targetVocab := flag.String("target_vocab", "",
		"WordPiece vocab.txt to re-tokenize into")
	lowerCase := flag.Bool("lower_case", true, "target vocab is lower cased")
	chunkLen := flag.Int("chunk_len", 64, "max tokens per chunk")
	indexPath := flag.String("chunk_index", "",
		"chunk index file, rebuilt when missing or cut at another -chunk_len")
	microBatch := flag.Int("micro_batch_size", 128, "micro batch size")
	seqLength := flag.Int("seq_length", 256, "max sequence length")
	cachePath := flag.String("cache", "plans.db", "bbolt plan cache")
	workers := flag.Int("workers", 0,
		"re-tokenization workers, 0 for GOMAXPROCS")
	show := flag.Int("show", 0, "print the first N bucketed samples")
	seed := flag.Int64("seed", 1234, "masking seed for -show")
	flag.Parse()
	if *inputPrefixes == "" {
		flag.Usage()
		log.Fatal("Must provide -input")
	}
	if *targetVocab == "" {
		flag.Usage()
		log.Fatal("Must provide -target_vocab")
	}
	if *indexPath == "" {
		*indexPath = strings.Split(*inputPrefixes, ",")[0] + "_chunks.idx"
	}

	prefixes := strings.Split(*inputPrefixes, ",")
	datasets := make([]indexed.Reader, len(prefixes))
	for idx, prefix := range prefixes {
		reader, err := indexed.Open(prefix)
		if err != nil {
			log.Fatal(err)
		}
		defer reader.Close()
		datasets[idx] = reader
	}

	source, err := resolveSource(*sourceTokenizerId)
	if err != nil {
		log.Fatal(err)
	}
	eod, ok := source.Specials().Get(tokenizer.EOD)
	if !ok {
		log.Fatalf("%s has no end of text token", *sourceTokenizerId)
	}
	target, err := tokenizer.NewWordPieceFromFile(*targetVocab, *lowerCase)
	if err != nil {
		log.Fatal(err)
	}

	offsets, index, err := chunks.LoadOrBuildIndex(*indexPath, datasets,
		*chunkLen)
	if err != nil {
		log.Fatal(err)
	}
	chunkDataset, err := chunks.NewChunkDataset(datasets, offsets, index,
		*chunkLen, eod)
	if err != nil {
		log.Fatal(err)
	}

	cache, err := chunks.OpenPlanCache(*cachePath)
	if err != nil {
		log.Fatal(err)
	}
	defer cache.Close()
	key := chunks.PlanKey{
		Corpus: fmt.Sprintf("%s:%d:%d:%s", *inputPrefixes, *chunkLen,
			len(index), *sourceTokenizerId),
		Tokenizer:      target.Name(),
		MicroBatchSize: *microBatch,
		MaxSeqLength:   *seqLength,
	}
	begin := time.Now()
	plan, hit, err := cache.GetOrBuild(key, func() (*chunks.Plan, error) {
		lens, err := chunks.SecondaryLengths(context.Background(),
			chunkDataset, source, target, *workers)
		if err != nil {
			return nil, err
		}
		index = chunks.WithSecondaryLengths(index, lens)
		if err := chunks.WriteIndexFile(*indexPath, *chunkLen, offsets,
			index); err != nil {
			return nil, err
		}
		return chunks.NewPlan(lens, *microBatch, *seqLength)
	})
	if err != nil {
		log.Fatal(err)
	}
	if hit {
		log.Printf("Loaded plan %s from %s", key.Fingerprint(), *cachePath)
	}
	bucketed, flat := paddingStats(plan)
	log.Printf("%s chunks in %s batches of %d, %s padded tokens vs %s "+
		"unbucketed (%0.1f%%) in %0.2fs",
		humanize.Comma(int64(plan.Len())),
		humanize.Comma(int64(plan.NumBatches())), plan.MicroBatchSize,
		humanize.Comma(bucketed), humanize.Comma(flat),
		100*float64(bucketed)/float64(max(flat, 1)),
		time.Since(begin).Seconds())

	if *show <= 0 {
		return
	}
	dataset, err := chunks.NewBucketedChunkDataset(chunks.BucketedConfig{
		Chunks:       chunkDataset,
		Plan:         plan,
		Source:       source,
		Target:       target,
		MaskedLMProb: 0.15,
		Seed:         *seed,
	})
	if err != nil {
		log.Fatal(err)
	}
	for sampleID := 0; sampleID < min(*show, dataset.Len()); sampleID++ {
		example, err := dataset.Get(sampleID)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("sample %d chunk %d batch %d: %d masked: %s", sampleID,
			plan.ChunkFor(sampleID), plan.BatchFor(sampleID),
			len(example.MaskedPositions), target.Detokenize(unmask(example)))
	}
}
