// Package catalog defines the remote payloads, persisted records and store contract of the ingest pipelines.
package catalog

import (
	"fmt"
	"strings"
)

// Defaults applied when the detail document omits a field.
const (
	DefaultTitle       = "Unknown Title"
	DefaultDescription = "No description available"
	DefaultMalScore    = "n/a"
)

// ListingEntry is one catalog-entry summary returned by the A-Z listing API.
type ListingEntry struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Image    string          `json:"img"`
	Episodes ListingEpisodes `json:"episodes"`
	Duration string          `json:"duration"`
	Rated    bool            `json:"rated"`
}

// ListingEpisodes carries the optional episode counters of a listing entry.
type ListingEpisodes struct {
	Eps *int `json:"eps"`
	Sub *int `json:"sub"`
	Dub *int `json:"dub"`
}

// ListingPage is the decoded body of one listing request.
type ListingPage []ListingEntry

// Validate rejects entries without an id since the id is the registry key.
func (p ListingPage) Validate() error {
	for i, entry := range p {
		if strings.TrimSpace(entry.ID) == "" {
			return fmt.Errorf("listing entry %d has no id", i)
		}
	}
	return nil
}

// Detail is the full detail document of one catalog item.
type Detail struct {
	ID            *ItemID         `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	MalID         FlexInt         `json:"mal_id"`
	AlID          FlexInt         `json:"al_id"`
	JapaneseTitle string          `json:"japanese_title"`
	Synonyms      string          `json:"synonyms"`
	Image         string          `json:"image"`
	Category      string          `json:"category"`
	Rating        string          `json:"rating"`
	Quality       string          `json:"quality"`
	Duration      string          `json:"duration"`
	Premiered     string          `json:"premiered"`
	Aired         string          `json:"aired"`
	Status        string          `json:"status"`
	MalScore      string          `json:"mal_score"`
	Studios       string          `json:"studios"`
	Producers     string          `json:"producers"`
	Genres        string          `json:"genres"`
	SubEpisodes   FlexInt         `json:"sub_episodes"`
	DubEpisodes   FlexInt         `json:"dub_episodes"`
	TotalEpisodes FlexInt         `json:"total_episodes"`
	SubOrDub      string          `json:"sub_or_dub"`
	Episodes      []EpisodeDetail `json:"episodes"`
}

// EpisodeDetail is one embedded episode of a detail document.
type EpisodeDetail struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	IsFiller  bool    `json:"is_filler"`
	EpisodeNo FlexInt `json:"episode_no"`
}

// Validate enforces the required numeric id.
func (d *Detail) Validate() error {
	if d.ID == nil {
		return fmt.Errorf("detail document has no id")
	}
	if *d.ID <= 0 {
		return fmt.Errorf("detail document id %d is not positive", *d.ID)
	}
	return nil
}

// Anime maps the detail document onto the persisted catalog record.
func (d *Detail) Anime() Anime {
	a := Anime{
		Title:         d.Title,
		Description:   d.Description,
		MalID:         int(d.MalID),
		AlID:          int(d.AlID),
		JapaneseTitle: d.JapaneseTitle,
		Synonyms:      d.Synonyms,
		Image:         d.Image,
		Category:      d.Category,
		Rating:        d.Rating,
		Quality:       d.Quality,
		Duration:      d.Duration,
		Premiered:     d.Premiered,
		Aired:         d.Aired,
		Status:        d.Status,
		MalScore:      d.MalScore,
		Studios:       d.Studios,
		Producers:     d.Producers,
		Genres:        d.Genres,
		SubEpisodes:   int(d.SubEpisodes),
		DubEpisodes:   int(d.DubEpisodes),
		TotalEpisodes: int(d.TotalEpisodes),
		SubOrDub:      d.SubOrDub,
	}
	if d.ID != nil {
		a.ID = int(*d.ID)
	}
	if a.Title == "" {
		a.Title = DefaultTitle
	}
	if a.Description == "" {
		a.Description = DefaultDescription
	}
	if a.MalScore == "" {
		a.MalScore = DefaultMalScore
	}
	return a
}

// EpisodeRecords maps the embedded episodes onto persisted rows owned by the catalog item.
// Episodes without an id have no natural key and are dropped.
func (d *Detail) EpisodeRecords() []Episode {
	owner := d.Anime().ID
	out := make([]Episode, 0, len(d.Episodes))
	for _, ep := range d.Episodes {
		if strings.TrimSpace(ep.ID) == "" {
			continue
		}
		out = append(out, Episode{
			ID:        ep.ID,
			Title:     ep.Title,
			IsFiller:  ep.IsFiller,
			EpisodeNo: int(ep.EpisodeNo),
			AnimeID:   owner,
		})
	}
	return out
}

// StaffResponse is the staff-roster document for one catalog item.
type StaffResponse struct {
	Data []StaffEntry `json:"data"`
}

// StaffEntry is one person and the roles they held.
type StaffEntry struct {
	Person    StaffPerson `json:"person"`
	Positions []string    `json:"positions"`
}

// StaffPerson describes the person behind a staff entry.
type StaffPerson struct {
	MalID  int         `json:"mal_id"`
	URL    string      `json:"url"`
	Images StaffImages `json:"images"`
	Name   string      `json:"name"`
}

// StaffImages holds the image variants published for a person.
type StaffImages struct {
	JPG struct {
		ImageURL string `json:"image_url"`
	} `json:"jpg"`
}

// Validate rejects entries whose person id is missing.
func (r *StaffResponse) Validate() error {
	for i, entry := range r.Data {
		if entry.Person.MalID <= 0 {
			return fmt.Errorf("staff entry %d has no person id", i)
		}
	}
	return nil
}

// Staff maps a roster entry onto the persisted staff record.
func (e StaffEntry) Staff() Staff {
	return Staff{
		MalID:     e.Person.MalID,
		Name:      e.Person.Name,
		URL:       e.Person.URL,
		Image:     e.Person.Images.JPG.ImageURL,
		Positions: MergeRoles(nil, e.Positions),
	}
}

// Anime is the persisted catalog item keyed by ID.
type Anime struct {
	ID            int
	Title         string
	Description   string
	MalID         int
	AlID          int
	JapaneseTitle string
	Synonyms      string
	Image         string
	Category      string
	Rating        string
	Quality       string
	Duration      string
	Premiered     string
	Aired         string
	Status        string
	MalScore      string
	Studios       string
	Producers     string
	Genres        string
	SubEpisodes   int
	DubEpisodes   int
	TotalEpisodes int
	SubOrDub      string
}

// Episode is the persisted episode keyed by ID.
type Episode struct {
	ID        string
	Title     string
	IsFiller  bool
	EpisodeNo int
	AnimeID   int
}

// Staff is the persisted staff member keyed by MalID.
type Staff struct {
	MalID     int
	Name      string
	URL       string
	Image     string
	Positions []string
}

// AnimeStaff links a catalog item to a staff member.
type AnimeStaff struct {
	AnimeID   int
	StaffID   int
	Positions []string
}

// StaffTarget is one distinct MAL id and every catalog item that references it.
type StaffTarget struct {
	MalID    int
	AnimeIDs []int
}

// MergeRoles returns existing followed by every role of incoming not already present.
// Order is preserved and duplicates are dropped; no role is ever removed.
func MergeRoles(existing, incoming []string) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, role := range list {
			if _, ok := seen[role]; ok {
				continue
			}
			seen[role] = struct{}{}
			out = append(out, role)
		}
	}
	return out
}
