// Command build_mapping builds, or loads from cache, the block samples
// mapping of a sentence corpus and reports its statistics. With -vocab and
// -show it also prints inverse cloze samples drawn from the mapping.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/realm_prep"
	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/mapping"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
)

// openCorpus opens prefix, or returns nil for an empty prefix.
func openCorpus(prefix string) (*indexed.MMapReader, error) {
	if prefix == "" {
		return nil, nil
	}
	return indexed.Open(prefix)
}

func describe(tok tokenizer.Tokenizer, tokens types.Tokens,
	padMask []uint8) string {
	kept := make(types.Tokens, 0, len(tokens))
	for idx, t := range tokens {
		if padMask[idx] == 1 {
			kept = append(kept, t)
		}
	}
	return tok.Detokenize(kept)
}

func main() {
	dataPrefix := flag.String("data", "", "sentence corpus prefix")
	titlesPrefix := flag.String("titles", "", "title corpus prefix")
	name := flag.String("name", "train", "mapping name")
	seed := flag.Int64("seed", 1234, "shuffle seed")
	numEpochs := flag.Int("epochs", 1, "number of epochs")
	maxSamples := flag.Int("max_samples", 0,
		"cap on the number of samples, 0 for no cap")
	seqLength := flag.Int("seq_length", 288, "max sequence length")
	oneSent := flag.Bool("one_sent", false,
		"allow single sentence blocks")
	cacheDir := flag.String("cache_dir", "",
		"directory for the mapping cache, defaults to the corpus directory; "+
			"stale cache files are rebuilt")
	vocabPath := flag.String("vocab", "", "WordPiece vocab.txt for -show")
	lowerCase := flag.Bool("lower_case", true, "vocab is lower cased")
	show := flag.Int("show", 0, "print the first N inverse cloze samples")
	queryInBlock := flag.Float64("query_in_block_prob", 0.1,
		"probability of keeping the query in its context for -show")
	flag.Parse()
	if *dataPrefix == "" {
		flag.Usage()
		log.Fatal("Must provide -data")
	}

	blocks, err := openCorpus(*dataPrefix)
	if err != nil {
		log.Fatal(err)
	}
	defer blocks.Close()
	var titles indexed.Reader
	if titleCorpus, err := openCorpus(*titlesPrefix); err != nil {
		log.Fatal(err)
	} else if titleCorpus != nil {
		defer titleCorpus.Close()
		titles = titleCorpus
	}
	log.Printf("Corpus %s: %s sentences in %s documents (%s)", *dataPrefix,
		humanize.Comma(int64(blocks.Len())),
		humanize.Comma(int64(indexed.NumDocs(blocks))), blocks.DType())

	opts := mapping.Options{
		DataPrefix:                *dataPrefix,
		Name:                      *name,
		Seed:                      *seed,
		NumEpochs:                 *numEpochs,
		MaxNumSamples:             *maxSamples,
		MaxSeqLength:              *seqLength,
		AllowSingleSentenceBlocks: *oneSent,
	}
	samples, err := mapping.GetOrBuild(blocks, titles, opts, *cacheDir)
	if err != nil {
		log.Fatal(err)
	}
	if err := samples.Validate(blocks); err != nil {
		log.Fatal(err)
	}
	stats := samples.Stats()
	log.Printf("%s samples, %s unique blocks, %0.2f sentences per block "+
		"(max %d, %d single sentence)", humanize.Comma(int64(stats.Samples)),
		humanize.Comma(int64(stats.UniqueBlocks)), stats.MeanSentences,
		stats.MaxSentences, stats.SingleSentBlocks)

	if *show <= 0 {
		return
	}
	if *vocabPath == "" {
		log.Fatal("Must provide -vocab with -show")
	}
	wordPiece, err := tokenizer.NewWordPieceFromFile(*vocabPath, *lowerCase)
	if err != nil {
		log.Fatal(err)
	}
	config := realm_prep.ICTConfig{
		Blocks:           blocks,
		Titles:           titles,
		Specials:         wordPiece.Specials(),
		Mapping:          opts,
		QueryInBlockProb: *queryInBlock,
		UseTitles:        titles != nil,
		CacheDir:         *cacheDir,
	}
	ict, err := realm_prep.NewICTDataset(config)
	if err != nil {
		log.Fatal(err)
	}
	for idx := 0; idx < min(*show, ict.Len()); idx++ {
		s, err := ict.Get(idx)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("sample %d %v\n  query:   %s\n  context: %s\n", idx,
			s.BlockData,
			describe(wordPiece, s.QueryTokens, s.QueryPadMask),
			strings.TrimSpace(describe(wordPiece, s.ContextTokens,
				s.ContextPadMask)))
	}
}
