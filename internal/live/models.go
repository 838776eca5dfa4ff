package live

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownItemType is returned when decoding a queue item whose itemType
// this build does not know.
var ErrUnknownItemType = errors.New("unknown item type")

// ItemType tags the payload variant of a QueueItem.
type ItemType string

const (
	ItemSong            ItemType = "song"
	ItemSlide           ItemType = "slide"
	ItemBibleVerse      ItemType = "bibleVerse"
	ItemBiblePassage    ItemType = "biblePassage"
	ItemVerseCollection ItemType = "verseCollection"
)

// Valid reports whether t is a known variant.
func (t ItemType) Valid() bool {
	switch t {
	case ItemSong, ItemSlide, ItemBibleVerse, ItemBiblePassage, ItemVerseCollection:
		return true
	}
	return false
}

// Payload is the variant-specific part of a QueueItem. Ordering and active
// tracking only need ChildIDs.
type Payload interface {
	Kind() ItemType
	// ChildIDs lists the orderable children in display order.
	ChildIDs() []string
}

// SongSlide is one slide of a song.
type SongSlide struct {
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
	Content string `json:"content"`
}

// SongPayload references a library song and carries its ordered slides.
type SongPayload struct {
	SongID int64       `json:"songId"`
	Title  string      `json:"title"`
	Slides []SongSlide `json:"slides"`
}

func (SongPayload) Kind() ItemType { return ItemSong }

func (p SongPayload) ChildIDs() []string {
	ids := make([]string, len(p.Slides))
	for i, s := range p.Slides {
		ids[i] = s.ID
	}
	return ids
}

// SlidePayload is a standalone rich-text slide. It has no children.
type SlidePayload struct {
	Content  string `json:"slideContent"`
	Template string `json:"slideType,omitempty"`
}

func (SlidePayload) Kind() ItemType { return ItemSlide }
func (SlidePayload) ChildIDs() []string { return nil }

// BibleVersePayload is a single verse. It has no children.
type BibleVersePayload struct {
	Reference   string `json:"reference"`
	Text        string `json:"text"`
	Translation string `json:"translation"`
}

func (BibleVersePayload) Kind() ItemType { return ItemBibleVerse }
func (BibleVersePayload) ChildIDs() []string { return nil }

// PassageVerse is one verse inside a passage.
type PassageVerse struct {
	ID    string `json:"id"`
	Verse int    `json:"verse"`
	Text  string `json:"text"`
}

// BiblePassagePayload is a reference range with its ordered verses.
type BiblePassagePayload struct {
	Reference   string         `json:"reference"`
	Translation string         `json:"translation"`
	Verses      []PassageVerse `json:"verses"`
}

func (BiblePassagePayload) Kind() ItemType { return ItemBiblePassage }

func (p BiblePassagePayload) ChildIDs() []string {
	ids := make([]string, len(p.Verses))
	for i, v := range p.Verses {
		ids[i] = v.ID
	}
	return ids
}

// CollectionEntry is one entry of a verse collection, attributed to a person.
type CollectionEntry struct {
	ID        string `json:"id"`
	Person    string `json:"personName"`
	Reference string `json:"reference"`
	Text      string `json:"text"`
}

// VerseCollectionPayload is a named, ordered list of entries.
type VerseCollectionPayload struct {
	Title   string            `json:"title"`
	Entries []CollectionEntry `json:"entries"`
}

func (VerseCollectionPayload) Kind() ItemType { return ItemVerseCollection }

func (p VerseCollectionPayload) ChildIDs() []string {
	ids := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		ids[i] = e.ID
	}
	return ids
}

// QueueItem is one row of the presentation queue: a common envelope plus a
// variant payload. Active state is not stored here; see Selection.
type QueueItem struct {
	ID         int64
	ItemType   ItemType
	SortOrder  int
	IsExpanded bool
	IsHidden   bool
	Payload    Payload
}

// HasChild reports whether childID belongs to the item.
func (it QueueItem) HasChild(childID string) bool {
	if it.Payload == nil {
		return false
	}
	for _, id := range it.Payload.ChildIDs() {
		if id == childID {
			return true
		}
	}
	return false
}

// FirstChild returns the first child id, if any.
func (it QueueItem) FirstChild() (string, bool) {
	if it.Payload == nil {
		return "", false
	}
	ids := it.Payload.ChildIDs()
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

type itemEnvelope struct {
	ID         int64    `json:"id"`
	ItemType   ItemType `json:"itemType"`
	SortOrder  int      `json:"sortOrder"`
	IsExpanded bool     `json:"isExpanded"`
	IsHidden   bool     `json:"isHidden,omitempty"`
}

// UnmarshalJSON decodes the flat wire form: envelope fields and variant
// fields share one object, selected by itemType.
func (it *QueueItem) UnmarshalJSON(data []byte) error {
	var env itemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.ItemType, data)
	if err != nil {
		return fmt.Errorf("queue item %d: %w", env.ID, err)
	}
	*it = QueueItem{
		ID:         env.ID,
		ItemType:   env.ItemType,
		SortOrder:  env.SortOrder,
		IsExpanded: env.IsExpanded,
		IsHidden:   env.IsHidden,
		Payload:    payload,
	}
	return nil
}

// MarshalJSON writes the flat wire form.
func (it QueueItem) MarshalJSON() ([]byte, error) {
	fields, err := flatten(it.Payload)
	if err != nil {
		return nil, err
	}
	fields["id"] = it.ID
	fields["itemType"] = it.ItemType
	fields["sortOrder"] = it.SortOrder
	fields["isExpanded"] = it.IsExpanded
	if it.IsHidden {
		fields["isHidden"] = true
	}
	return json.Marshal(fields)
}

// flatten turns a payload into a field map the envelope can be merged into.
// Numbers stay json.Number so 64-bit ids survive the round trip.
func flatten(p Payload) (map[string]any, error) {
	fields := map[string]any{}
	if p == nil {
		return fields, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func decodePayload(t ItemType, data []byte) (Payload, error) {
	switch t {
	case ItemSong:
		var p SongPayload
		err := json.Unmarshal(data, &p)
		return p, err
	case ItemSlide:
		var p SlidePayload
		err := json.Unmarshal(data, &p)
		return p, err
	case ItemBibleVerse:
		var p BibleVersePayload
		err := json.Unmarshal(data, &p)
		return p, err
	case ItemBiblePassage:
		var p BiblePassagePayload
		err := json.Unmarshal(data, &p)
		return p, err
	case ItemVerseCollection:
		var p VerseCollectionPayload
		err := json.Unmarshal(data, &p)
		return p, err
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownItemType, t)
	}
}

// NewQueueItem is the body of an add/insert request. The server assigns id
// and sortOrder.
type NewQueueItem struct {
	ItemType ItemType
	Payload  Payload
}

// MarshalJSON writes the payload fields plus itemType.
func (n NewQueueItem) MarshalJSON() ([]byte, error) {
	fields, err := flatten(n.Payload)
	if err != nil {
		return nil, err
	}
	fields["itemType"] = n.ItemType
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a NewQueueItem from the same flat form.
func (n *NewQueueItem) UnmarshalJSON(data []byte) error {
	var env struct {
		ItemType ItemType `json:"itemType"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := decodePayload(env.ItemType, data)
	if err != nil {
		return err
	}
	*n = NewQueueItem{ItemType: env.ItemType, Payload: p}
	return nil
}

// ItemPatch updates content, visibility or expansion. Nil fields are left
// unchanged.
type ItemPatch struct {
	Payload    Payload `json:"-"`
	IsHidden   *bool   `json:"isHidden,omitempty"`
	IsExpanded *bool   `json:"isExpanded,omitempty"`
}

// MarshalJSON merges payload fields into the patch object.
func (p ItemPatch) MarshalJSON() ([]byte, error) {
	fields, err := flatten(p.Payload)
	if err != nil {
		return nil, err
	}
	if p.IsHidden != nil {
		fields["isHidden"] = *p.IsHidden
	}
	if p.IsExpanded != nil {
		fields["isExpanded"] = *p.IsExpanded
	}
	return json.Marshal(fields)
}

// SceneRecord mirrors one OBS scene known to the server.
type SceneRecord struct {
	ID           *int64 `json:"id"`
	ExternalName string `json:"obsSceneName"`
	DisplayName  string `json:"displayName"`
	IsVisible    bool   `json:"isVisible"`
	SortOrder    int    `json:"sortOrder"`
	IsCurrent    bool   `json:"isCurrent"`
}

// ConnectionStatus is the OBS link snapshot. It is never persisted.
type ConnectionStatus struct {
	Connected   bool      `json:"connected"`
	IsStreaming bool      `json:"isStreaming"`
	IsRecording bool      `json:"isRecording"`
	Host        string    `json:"host,omitempty"`
	Port        int       `json:"port,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LivestreamStatus is the broadcast info shown next to the queue.
type LivestreamStatus struct {
	BroadcastID string    `json:"broadcastId,omitempty"`
	Status      string    `json:"status"`
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// YouTubeAuthStatus reports whether the server holds valid YouTube credentials.
type YouTubeAuthStatus struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	ChannelName     string `json:"channelName,omitempty"`
	Error           string `json:"error,omitempty"`
}

// StreamStartRequest asks the server to create a broadcast and go live.
// Empty fields take the server's defaults.
type StreamStartRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Privacy     string `json:"privacyStatus,omitempty"`
}
