// Package verses loads the ordered verse collection and formats verses
// for posting.
package verses

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mikequentel/wird/internal/model"
)

//go:embed quran.json
var seedJSON []byte

// Surah is one chapter in the verse source format.
type Surah struct {
	Number          int          `json:"Number"`
	Name            string       `json:"Name"`
	NameTranslation string       `json:"Name_Translation"`
	Verses          []SurahVerse `json:"Array_Verses"`
}

type SurahVerse struct {
	ID int    `json:"id"`
	AR string `json:"ar"`
	EN string `json:"en"`
}

// Store is the part of the verse store that loading needs.
type Store interface {
	VerseCount(ctx context.Context) (int, error)
	AddVerses(ctx context.Context, vs []model.Verse) error
}

// Parse reads surahs in source format and flattens them into an ordered
// verse list with dense indices.
func Parse(r io.Reader) ([]model.Verse, error) {
	var surahs []Surah
	if err := json.NewDecoder(r).Decode(&surahs); err != nil {
		return nil, fmt.Errorf("decode verses: %w", err)
	}
	return Flatten(surahs)
}

// Flatten orders verses surah by surah, in source order.
func Flatten(surahs []Surah) ([]model.Verse, error) {
	var out []model.Verse
	for _, s := range surahs {
		if s.Number <= 0 {
			return nil, fmt.Errorf("surah %q: bad number %d", s.NameTranslation, s.Number)
		}
		for _, v := range s.Verses {
			text := clean(v.AR)
			if text == "" {
				return nil, fmt.Errorf("surah %d verse %d: empty text", s.Number, v.ID)
			}
			out = append(out, model.Verse{
				Index:               len(out),
				Chapter:             s.Number,
				ChapterName:         clean(s.Name),
				ChapterNameTranslit: clean(s.NameTranslation),
				Number:              v.ID,
				Text:                text,
				Translation:         clean(v.EN),
			})
		}
	}
	return out, nil
}

// Seed returns the built-in verse list.
func Seed() []model.Verse {
	vs, err := Parse(bytes.NewReader(seedJSON))
	if err != nil {
		panic(fmt.Sprintf("embedded verses: %v", err))
	}
	return vs
}

// Load fills an empty store from path, or from the built-in list when path
// is empty. A store that already holds verses is left untouched. It returns
// the verse count afterwards.
func Load(ctx context.Context, st Store, path string) (int, error) {
	n, err := st.VerseCount(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return n, nil
	}

	var vs []model.Verse
	if path == "" {
		vs = Seed()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		if vs, err = Parse(f); err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
	}
	if len(vs) == 0 {
		return 0, nil
	}
	if err := st.AddVerses(ctx, vs); err != nil {
		return 0, fmt.Errorf("add verses: %w", err)
	}
	return len(vs), nil
}

// Sources mix precomposed and decomposed diacritics.
func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
