package model

import "time"

// Verse is one immutable unit of scripture, addressed by its dense
// zero-based Index in the ordered collection.
type Verse struct {
	Index               int    `json:"index"`
	Chapter             int    `json:"surahNumber"`
	ChapterName         string `json:"surahName"`         // original script, eg: "الفاتحة"
	ChapterNameTranslit string `json:"surahNameEnglish"`  // eg: "Al-Fatihah"
	Number              int    `json:"verseNumber"`       // verse number within the chapter
	Text                string `json:"verseText"`         // original language
	Translation         string `json:"verseTextEnglish,omitempty"`
}

// Linkage ties an account to an external social account.
type Linkage struct {
	Provider     string `json:"provider,omitempty"` // "mastodon" or "x"
	Instance     string `json:"instance,omitempty"` // eg: "mastodon.social"
	AccessToken  string `json:"accessToken,omitempty"`
	AccessSecret string `json:"accessSecret,omitempty"` // OAuth1 providers only
	ExternalID   string `json:"externalId,omitempty"`
}

// ProviderX is the one OAuth1 provider; its linkages also need AccessSecret.
const ProviderX = "x"

// Complete reports whether every required linkage field is set.
// Partially linked accounts are treated as unlinked.
func (l Linkage) Complete() bool {
	if l.Provider == ProviderX && l.AccessSecret == "" {
		return false
	}
	return l.Provider != "" && l.Instance != "" && l.AccessToken != "" && l.ExternalID != ""
}

type Account struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	Link       Linkage    `json:"linkage"`
	StartDate  *time.Time `json:"startDate"`
	Cursor     int        `json:"currentVerseIndex"`
	DaysPosted int        `json:"daysPosted"`
}

// Sanitized returns a copy safe to hand to clients.
func (a Account) Sanitized() Account {
	a.Link.AccessToken = ""
	a.Link.AccessSecret = ""
	return a
}

// AccountUpdate carries a partial account update; nil fields are left alone.
// Link replaces the whole linkage, so a zero Linkage disconnects.
type AccountUpdate struct {
	Link       *Linkage
	Cursor     *int
	DaysPosted *int
	StartDate  *time.Time
}

// PostRecord is an append-only audit entry for one publish attempt.
type PostRecord struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"userId"`
	VerseIndex     int       `json:"verseIndex"`
	ExternalPostID string    `json:"postId,omitempty"`
	PostedAt       time.Time `json:"postedAt"`
	Success        bool      `json:"success"`
	Error          string    `json:"errorMessage,omitempty"`
}
