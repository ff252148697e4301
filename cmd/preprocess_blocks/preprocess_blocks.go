// Command preprocess_blocks turns a directory of text documents into the
// sentence-indexed corpus and title corpus read by the block datasets.
//
// Every non-empty line of an input `.txt` file is one document. With
// -titles, the text before the first tab is the document title. Escaped
// `\n` sequences in a document separate paragraphs.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jdkato/prose/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
	"github.com/yargevad/filepathx"
)

type PathInfo struct {
	Path string
	Size int64
}

// GlobTexts recursively finds all `.txt` files under dirPath.
func GlobTexts(dirPath string) ([]PathInfo, error) {
	textPaths, err := filepathx.Glob(dirPath + "/**/*.txt")
	if err != nil {
		return nil, err
	}
	if len(textPaths) == 0 {
		return nil, fmt.Errorf("%s does not contain any .txt files", dirPath)
	}
	pathInfos := make([]PathInfo, 0, len(textPaths))
	for _, path := range textPaths {
		stat, statErr := os.Stat(path)
		if statErr != nil {
			return nil, statErr
		}
		if stat.IsDir() {
			continue
		}
		pathInfos = append(pathInfos, PathInfo{Path: path, Size: stat.Size()})
	}
	return pathInfos, nil
}

// OrderPaths reorders pathInfos in place by sortSpec.
func OrderPaths(pathInfos []PathInfo, sortSpec string, seed int64) error {
	switch sortSpec {
	case "", "none":
	case "size_ascending":
		sort.SliceStable(pathInfos, func(i, j int) bool {
			return pathInfos[i].Size < pathInfos[j].Size
		})
	case "size_descending":
		sort.SliceStable(pathInfos, func(i, j int) bool {
			return pathInfos[i].Size > pathInfos[j].Size
		})
	case "path_ascending":
		sort.Slice(pathInfos, func(i, j int) bool {
			return pathInfos[i].Path < pathInfos[j].Path
		})
	case "path_descending":
		sort.Slice(pathInfos, func(i, j int) bool {
			return pathInfos[i].Path > pathInfos[j].Path
		})
	case "random":
		rand.New(rand.NewSource(seed)).Shuffle(len(pathInfos),
			func(i, j int) {
				pathInfos[i], pathInfos[j] = pathInfos[j], pathInfos[i]
			})
	default:
		return fmt.Errorf("invalid sort spec: %s", sortSpec)
	}
	return nil
}

// Document is one input document before tokenization.
type Document struct {
	Title string
	Text  string
}

// ParseDocument splits an input line into its optional title and body.
func ParseDocument(line string, titles bool, sanitize bool) Document {
	doc := Document{Text: line}
	if titles {
		if title, text, ok := strings.Cut(line, "\t"); ok {
			doc = Document{Title: strings.TrimSpace(title), Text: text}
		}
	}
	if sanitize {
		doc.Text = SanitizeText(doc.Text)
	} else {
		doc.Text = strings.ReplaceAll(doc.Text, `\n`, "\n")
	}
	return doc
}

// SplitSentences segments text into sentences, paragraph by paragraph.
func SplitSentences(text string) ([]string, error) {
	sentences := make([]string, 0)
	for _, paragraph := range strings.Split(text, "\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		doc, err := prose.NewDocument(paragraph,
			prose.WithTagging(false),
			prose.WithExtraction(false),
			prose.WithTokenization(false),
		)
		if err != nil {
			return nil, err
		}
		for _, sentence := range doc.Sentences() {
			if trimmed := strings.TrimSpace(sentence.Text); trimmed != "" {
				sentences = append(sentences, trimmed)
			}
		}
	}
	return sentences, nil
}

// CorpusWriter tokenizes documents into a sentence corpus and, optionally,
// a title corpus with one sequence per document.
type CorpusWriter struct {
	tokenizer tokenizer.Tokenizer
	sentences *indexed.Builder
	titles    *indexed.Builder
	Docs      int
	Sentences int
	Tokens    int
	Skipped   int
}

func NewCorpusWriter(tok tokenizer.Tokenizer, prefix string,
	titles bool) (*CorpusWriter, error) {
	dtype := types.BestDType(tok.VocabSize())
	sentences, err := indexed.NewBuilder(prefix+"_sentences", dtype)
	if err != nil {
		return nil, err
	}
	writer := &CorpusWriter{tokenizer: tok, sentences: sentences}
	if titles {
		if writer.titles, err = indexed.NewBuilder(prefix+"_titles",
			dtype); err != nil {
			return nil, err
		}
	}
	return writer, nil
}

// Add tokenizes doc. Documents without any non-empty sentence are skipped
// and leave no title behind, keeping both corpora aligned.
func (writer *CorpusWriter) Add(doc Document) error {
	sentences, err := SplitSentences(doc.Text)
	if err != nil {
		return err
	}
	encoded := make([]types.Tokens, 0, len(sentences))
	for _, sentence := range sentences {
		if tokens := writer.tokenizer.Tokenize(sentence); len(tokens) > 0 {
			encoded = append(encoded, tokens)
		}
	}
	if len(encoded) == 0 {
		writer.Skipped++
		return nil
	}
	for _, tokens := range encoded {
		if err := writer.sentences.AddItem(tokens); err != nil {
			return err
		}
		writer.Tokens += len(tokens)
	}
	writer.sentences.EndDocument()
	if writer.titles != nil {
		if err := writer.titles.AddItem(
			writer.tokenizer.Tokenize(doc.Title)); err != nil {
			return err
		}
		writer.titles.EndDocument()
	}
	writer.Docs++
	writer.Sentences += len(encoded)
	return nil
}

func (writer *CorpusWriter) Finalize() error {
	if err := writer.sentences.Finalize(); err != nil {
		return err
	}
	if writer.titles != nil {
		return writer.titles.Finalize()
	}
	return nil
}

// AddFile adds every document of the file at path.
func (writer *CorpusWriter) AddFile(path string, titles,
	sanitize bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := writer.Add(ParseDocument(line, titles,
			sanitize)); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return scanner.Err()
}

func main() {
	inputDir := flag.String("input", "", "input directory of .txt files")
	outputPrefix := flag.String("output", "corpus",
		"output prefix, writes {output}_sentences and {output}_titles")
	vocabPath := flag.String("vocab", "", "WordPiece vocab.txt")
	lowerCase := flag.Bool("lower_case", true, "lower case input text")
	titlesBool := flag.Bool("titles", false,
		"text before the first tab of each line is the document title")
	sanitizeBool := flag.Bool("sanitize", false,
		"sanitize inputs of whitespace issues")
	reorderPaths := flag.String("reorder", "path_ascending",
		"reorder input files [size_ascending, size_descending, "+
			"path_ascending, path_descending, random, none]")
	seed := flag.Int64("seed", 1, "seed for random reordering")
	flag.Parse()
	if *inputDir == "" {
		flag.Usage()
		log.Fatal("Must provide -input for directory source")
	}
	if *vocabPath == "" {
		flag.Usage()
		log.Fatal("Must provide -vocab")
	}

	wordPiece, err := tokenizer.NewWordPieceFromFile(*vocabPath, *lowerCase)
	if err != nil {
		log.Fatal(err)
	}
	pathInfos, err := GlobTexts(*inputDir)
	if err != nil {
		log.Fatal(err)
	}
	if err := OrderPaths(pathInfos, *reorderPaths, *seed); err != nil {
		log.Fatal(err)
	}
	writer, err := NewCorpusWriter(wordPiece, *outputPrefix, *titlesBool)
	if err != nil {
		log.Fatal(err)
	}

	begin := time.Now()
	var totalBytes int64
	bar := progressbar.Default(int64(len(pathInfos)))
	for _, pathInfo := range pathInfos {
		if err := writer.AddFile(pathInfo.Path, *titlesBool,
			*sanitizeBool); err != nil {
			log.Fatal(err)
		}
		totalBytes += pathInfo.Size
		bar.Add(1)
	}
	if err := writer.Finalize(); err != nil {
		log.Fatal(err)
	}
	duration := time.Since(begin).Seconds()
	log.Printf("%d documents, %d sentences, %s tokens from %s in %0.2fs "+
		"(%d documents skipped, cache %d hits / %d misses)", writer.Docs,
		writer.Sentences, humanize.Comma(int64(writer.Tokens)),
		humanize.Bytes(uint64(totalBytes)), duration, writer.Skipped,
		wordPiece.LruHits.Load(), wordPiece.LruMisses.Load())
}
