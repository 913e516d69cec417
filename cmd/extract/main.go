// Command extract scrapes surahs out of an HTML mushaf export and writes
// them in the verse source format the poster loads.
//
// Expected markup:
//
//	<section class="surah" data-number="1" data-name="الفاتحة" data-translit="Al-Fatihah">
//	  <p class="aya" data-number="1"><span class="ar">...</span><span class="en">...</span></p>
//	</section>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mikequentel/wird/internal/verses"
)

var (
	inFile  = flag.String("in", "mushaf.html", "HTML file to extract from")
	outFile = flag.String("out", "quran.json", "output JSON in verse source format")
	only    = flag.String("surahs", "", "comma-separated surah numbers or ranges A-B to keep; empty keeps all")
)

var reSpace = regexp.MustCompile(`\s+`)

func main() {
	flag.Parse()

	keep, err := parseSelection(*only)
	if err != nil {
		log.Fatalf("bad -surahs: %v", err)
	}

	f, err := os.Open(*inFile)
	if err != nil {
		log.Fatalf("open %s: %v", *inFile, err)
	}
	defer f.Close()

	surahs, err := extract(f, keep)
	if err != nil {
		log.Fatalf("extract: %v", err)
	}
	// Catch anything the poster would reject before writing.
	vs, err := verses.Flatten(surahs)
	if err != nil {
		log.Fatalf("extracted verses are invalid: %v", err)
	}

	out, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("create %s: %v", *outFile, err)
	}
	if err := write(out, surahs); err != nil {
		out.Close()
		log.Fatalf("write %s: %v", *outFile, err)
	}
	if err := out.Close(); err != nil {
		log.Fatalf("close %s: %v", *outFile, err)
	}

	log.Printf("Extracted %d verses from %d surahs; wrote %s", len(vs), len(surahs), *outFile)
}

// extract reads every .surah section in document order. keep filters by
// surah number; nil keeps everything.
func extract(r io.Reader, keep map[int]bool) ([]verses.Surah, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var (
		out  []verses.Surah
		seen = map[int]bool{}
		ferr error
	)
	doc.Find(".surah").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		num, err := intAttr(sel, "data-number")
		if err != nil {
			ferr = fmt.Errorf("surah: %w", err)
			return false
		}
		if seen[num] {
			ferr = fmt.Errorf("surah %d appears twice", num)
			return false
		}
		seen[num] = true
		if keep != nil && !keep[num] {
			return true
		}

		s := verses.Surah{
			Number:          num,
			Name:            text(sel.AttrOr("data-name", "")),
			NameTranslation: text(sel.AttrOr("data-translit", "")),
		}
		sel.Find(".aya").EachWithBreak(func(_ int, aya *goquery.Selection) bool {
			id, err := intAttr(aya, "data-number")
			if err != nil {
				ferr = fmt.Errorf("surah %d aya: %w", num, err)
				return false
			}
			s.Verses = append(s.Verses, verses.SurahVerse{
				ID: id,
				AR: text(aya.Find(".ar").First().Text()),
				EN: text(aya.Find(".en").First().Text()),
			})
			return true
		})
		if ferr != nil {
			return false
		}
		sort.SliceStable(s.Verses, func(i, j int) bool { return s.Verses[i].ID < s.Verses[j].ID })
		out = append(out, s)
		return true
	})
	if ferr != nil {
		return nil, ferr
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no surahs found")
	}
	return out, nil
}

func write(w io.Writer, surahs []verses.Surah) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(surahs)
}

// parseSelection turns "1,2,5-7" into a set. An empty selection is nil.
func parseSelection(sel string) (map[int]bool, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, nil
	}
	keep := map[int]bool{}
	for _, chunk := range strings.Split(sel, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(chunk, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", chunk, err)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("%q: %w", chunk, err)
			}
		}
		if a < 1 || b < a {
			return nil, fmt.Errorf("%q: want A-B with 1 <= A <= B", chunk)
		}
		for n := a; n <= b; n++ {
			keep[n] = true
		}
	}
	return keep, nil
}

func intAttr(s *goquery.Selection, key string) (int, error) {
	v, ok := s.Attr(key)
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad %s %q", key, v)
	}
	return n, nil
}

// text collapses markup whitespace.
func text(s string) string {
	return strings.TrimSpace(reSpace.ReplaceAllString(s, " "))
}
