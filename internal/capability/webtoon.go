package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrWebtoonNotFound is returned for operations naming an unknown webtoon.
var ErrWebtoonNotFound = errors.New("webtoon not found")

type SpeechBubble struct {
	BubbleID      string `json:"bubble_id"`
	CharacterName string `json:"character_name,omitempty"`
	Text          string `json:"text"`
	BubbleType    string `json:"bubble_type"`
	Position      string `json:"position"`
}

type Panel struct {
	PanelID          string         `json:"panel_id"`
	SceneDescription string         `json:"scene_description"`
	Style            string         `json:"style"`
	Mood             string         `json:"mood,omitempty"`
	CharacterNames   []string       `json:"character_names,omitempty"`
	Status           string         `json:"status"`
	SpeechBubbles    []SpeechBubble `json:"speech_bubbles,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type Character struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Role              string   `json:"role,omitempty"`
	PersonalityTraits []string `json:"personality_traits,omitempty"`
}

type Webtoon struct {
	WebtoonID  string      `json:"webtoon_id"`
	Panels     []Panel     `json:"panels"`
	Characters []Character `json:"characters"`
}

// WebtoonStore is the content collaborator the webtoon tools edit.
type WebtoonStore interface {
	CreatePanel(ctx context.Context, webtoonID string, position int, p Panel) (Panel, error)
	UpdatePanel(ctx context.Context, webtoonID, panelID string, update func(*Panel)) (Panel, error)
	RemovePanel(ctx context.Context, webtoonID, panelID string) error
	AddCharacter(ctx context.Context, webtoonID string, c Character) (Character, error)
	AddSpeechBubble(ctx context.Context, webtoonID, panelID string, b SpeechBubble) (SpeechBubble, error)
	Webtoon(ctx context.Context, webtoonID string) (Webtoon, error)
}

// WebtoonNotifier pushes webtoon_updated task events to subscribers of a job.
type WebtoonNotifier interface {
	WebtoonUpdated(ctx context.Context, jobID, webtoonID string, data map[string]any) int
}

// MemoryWebtoonStore keeps webtoons in process memory. A webtoon comes into
// existence the first time a panel or character is added to it.
type MemoryWebtoonStore struct {
	mu       sync.Mutex
	webtoons map[string]*Webtoon
}

func NewMemoryWebtoonStore() *MemoryWebtoonStore {
	return &MemoryWebtoonStore{webtoons: make(map[string]*Webtoon)}
}

func (s *MemoryWebtoonStore) ensure(id string) *Webtoon {
	w, ok := s.webtoons[id]
	if !ok {
		w = &Webtoon{WebtoonID: id}
		s.webtoons[id] = w
	}
	return w
}

func (s *MemoryWebtoonStore) panelIndex(webtoonID, panelID string) (*Webtoon, int, error) {
	w, ok := s.webtoons[webtoonID]
	if !ok {
		return nil, -1, fmt.Errorf("%w: %s", ErrWebtoonNotFound, webtoonID)
	}
	for i := range w.Panels {
		if w.Panels[i].PanelID == panelID {
			return w, i, nil
		}
	}
	return w, -1, fmt.Errorf("panel %s not found in webtoon %s", panelID, webtoonID)
}

// CreatePanel inserts p at position (1-based); out-of-range positions append.
func (s *MemoryWebtoonStore) CreatePanel(_ context.Context, webtoonID string, position int, p Panel) (Panel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.ensure(webtoonID)
	p.PanelID = "panel_" + uuid.NewString()
	p.UpdatedAt = time.Now().UTC()
	idx := position - 1
	if idx < 0 || idx > len(w.Panels) {
		idx = len(w.Panels)
	}
	w.Panels = append(w.Panels, Panel{})
	copy(w.Panels[idx+1:], w.Panels[idx:])
	w.Panels[idx] = p
	return p, nil
}

func (s *MemoryWebtoonStore) UpdatePanel(_ context.Context, webtoonID, panelID string, update func(*Panel)) (Panel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, idx, err := s.panelIndex(webtoonID, panelID)
	if err != nil {
		return Panel{}, err
	}
	update(&w.Panels[idx])
	w.Panels[idx].UpdatedAt = time.Now().UTC()
	return w.Panels[idx], nil
}

func (s *MemoryWebtoonStore) RemovePanel(_ context.Context, webtoonID, panelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, idx, err := s.panelIndex(webtoonID, panelID)
	if err != nil {
		return err
	}
	w.Panels = append(w.Panels[:idx], w.Panels[idx+1:]...)
	return nil
}

func (s *MemoryWebtoonStore) AddCharacter(_ context.Context, webtoonID string, c Character) (Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.ensure(webtoonID)
	for _, existing := range w.Characters {
		if existing.Name == c.Name {
			return Character{}, fmt.Errorf("character %q already exists in webtoon %s", c.Name, webtoonID)
		}
	}
	w.Characters = append(w.Characters, c)
	return c, nil
}

func (s *MemoryWebtoonStore) AddSpeechBubble(_ context.Context, webtoonID, panelID string, b SpeechBubble) (SpeechBubble, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, idx, err := s.panelIndex(webtoonID, panelID)
	if err != nil {
		return SpeechBubble{}, err
	}
	b.BubbleID = "bubble_" + uuid.NewString()
	w.Panels[idx].SpeechBubbles = append(w.Panels[idx].SpeechBubbles, b)
	w.Panels[idx].UpdatedAt = time.Now().UTC()
	return b, nil
}

// Webtoon returns a deep copy.
func (s *MemoryWebtoonStore) Webtoon(_ context.Context, webtoonID string) (Webtoon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webtoons[webtoonID]
	if !ok {
		return Webtoon{}, fmt.Errorf("%w: %s", ErrWebtoonNotFound, webtoonID)
	}
	out := Webtoon{
		WebtoonID:  w.WebtoonID,
		Panels:     make([]Panel, len(w.Panels)),
		Characters: append([]Character(nil), w.Characters...),
	}
	for i, p := range w.Panels {
		p.SpeechBubbles = append([]SpeechBubble(nil), p.SpeechBubbles...)
		p.CharacterNames = append([]string(nil), p.CharacterNames...)
		out.Panels[i] = p
	}
	return out, nil
}

var (
	bubbleTypes     = []string{"speech", "thought", "narration"}
	bubblePositions = []string{"top-left", "top-right", "bottom-left", "bottom-right", "center"}
)

var taskIDProperty = Property{Type: "string", Description: "Task whose subscribers receive a webtoon_updated event"}

type webtoonTools struct {
	store    WebtoonStore
	notifier WebtoonNotifier
}

// WebtoonTools returns the panel, character and speech bubble editing tools.
// notifier may be nil.
func WebtoonTools(store WebtoonStore, notifier WebtoonNotifier) []Definition {
	if store == nil {
		store = NewMemoryWebtoonStore()
	}
	t := &webtoonTools{store: store, notifier: notifier}
	return []Definition{
		{
			ToolID:      "create_panel",
			Name:        "Create Panel",
			Description: "Create a new panel for the webtoon with specified scene description",
			Category:    CategoryWebtoon,
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"webtoon_id":        {Type: "string", Description: "The ID of the webtoon to add the panel to"},
					"scene_description": {Type: "string", Description: "Description of the scene to generate"},
					"style":             {Type: "string", Description: "Art style for the panel", Default: "webtoon"},
					"position":          {Type: "integer", Description: "1-based insert position; omitted appends"},
					"mood":              {Type: "string", Description: "Mood of the scene", Default: "neutral"},
					"character_names":   {Type: "array", Items: &Property{Type: "string"}, Description: "Names of characters in the scene"},
					"task_id":           taskIDProperty,
				},
				Required: []string{"webtoon_id", "scene_description"},
			},
			Execute: t.createPanel,
		},
		{
			ToolID:      "edit_panel",
			Name:        "Edit Panel",
			Description: "Edit an existing panel in the webtoon",
			Category:    CategoryWebtoon,
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"webtoon_id":        {Type: "string", Description: "The ID of the webtoon containing the panel"},
					"panel_id":          {Type: "string", Description: "The ID of the panel to edit"},
					"scene_description": {Type: "string", Description: "New description for the scene"},
					"style":             {Type: "string", Description: "New art style for the panel"},
					"regenerate":        {Type: "boolean", Description: "Whether to regenerate the panel image", Default: false},
					"task_id":           taskIDProperty,
				},
				Required: []string{"webtoon_id", "panel_id"},
			},
			Execute: t.editPanel,
		},
		{
			ToolID:      "remove_panel",
			Name:        "Remove Panel",
			Description: "Remove a panel from the webtoon",
			Category:    CategoryWebtoon,
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"webtoon_id": {Type: "string", Description: "The ID of the webtoon containing the panel"},
					"panel_id":   {Type: "string", Description: "The ID of the panel to remove"},
					"task_id":    taskIDProperty,
				},
				Required: []string{"webtoon_id", "panel_id"},
			},
			Execute: t.removePanel,
		},
		{
			ToolID:      "add_character",
			Name:        "Add Character",
			Description: "Add a new character to the webtoon",
			Category:    CategoryWebtoon,
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"webtoon_id":         {Type: "string", Description: "The ID of the webtoon to add the character to"},
					"name":               {Type: "string", Description: "Name of the character"},
					"description":        {Type: "string", Description: "Description of the character"},
					"role":               {Type: "string", Description: "Character's role in the story"},
					"personality_traits": {Type: "array", Items: &Property{Type: "string"}, Description: "Character's personality traits"},
					"task_id":            taskIDProperty,
				},
				Required: []string{"webtoon_id", "name", "description"},
			},
			Execute: t.addCharacter,
		},
		{
			ToolID:      "add_speech_bubble",
			Name:        "Add Speech Bubble",
			Description: "Add a speech bubble to a panel in the webtoon",
			Category:    CategoryWebtoon,
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"webtoon_id":     {Type: "string", Description: "The ID of the webtoon containing the panel"},
					"panel_id":       {Type: "string", Description: "The ID of the panel to add the speech bubble to"},
					"text":           {Type: "string", Description: "The text content of the speech bubble"},
					"character_name": {Type: "string", Description: "Name of the character speaking"},
					"bubble_type":    {Type: "string", Description: "Type of speech bubble", Enum: bubbleTypes, Default: "speech"},
					"position":       {Type: "string", Description: "Position of the bubble in the panel", Enum: bubblePositions, Default: "top-right"},
					"task_id":        taskIDProperty,
				},
				Required: []string{"webtoon_id", "panel_id", "text"},
			},
			Execute: t.addSpeechBubble,
		},
	}
}

// notify sends webtoon_updated to the task's subscribers when a task id was
// supplied. Delivery is best effort and never fails the tool call.
func (t *webtoonTools) notify(ctx context.Context, params map[string]any, webtoonID string) {
	jobID := stringParam(params, "task_id")
	if t.notifier == nil || jobID == "" {
		return
	}
	w, err := t.store.Webtoon(ctx, webtoonID)
	if err != nil {
		return
	}
	t.notifier.WebtoonUpdated(ctx, jobID, webtoonID, map[string]any{
		"panel_count":     len(w.Panels),
		"character_count": len(w.Characters),
	})
}

func (t *webtoonTools) createPanel(ctx context.Context, params map[string]any) (map[string]any, error) {
	webtoonID := stringParam(params, "webtoon_id")
	style := stringParam(params, "style")
	if style == "" {
		style = "webtoon"
	}
	mood := stringParam(params, "mood")
	if mood == "" {
		mood = "neutral"
	}
	panel, err := t.store.CreatePanel(ctx, webtoonID, intParam(params, "position", 0), Panel{
		SceneDescription: stringParam(params, "scene_description"),
		Style:            style,
		Mood:             mood,
		CharacterNames:   stringsParam(params, "character_names"),
		Status:           "pending",
	})
	if err != nil {
		return nil, err
	}
	t.notify(ctx, params, webtoonID)
	return map[string]any{
		"webtoon_id": webtoonID,
		"panel":      panel,
		"message":    "Panel created successfully",
	}, nil
}

func (t *webtoonTools) editPanel(ctx context.Context, params map[string]any) (map[string]any, error) {
	webtoonID := stringParam(params, "webtoon_id")
	panelID := stringParam(params, "panel_id")
	scene := stringParam(params, "scene_description")
	style := stringParam(params, "style")
	regenerate := boolParam(params, "regenerate")

	updated := false
	panel, err := t.store.UpdatePanel(ctx, webtoonID, panelID, func(p *Panel) {
		if scene != "" {
			p.SceneDescription = scene
			updated = true
		}
		if style != "" {
			p.Style = style
			updated = true
		}
		if regenerate {
			p.Status = "pending"
		}
	})
	if err != nil {
		return nil, err
	}
	t.notify(ctx, params, webtoonID)
	return map[string]any{
		"webtoon_id":  webtoonID,
		"panel":       panel,
		"updated":     updated,
		"regenerated": regenerate,
		"message":     "Panel updated successfully",
	}, nil
}

func (t *webtoonTools) removePanel(ctx context.Context, params map[string]any) (map[string]any, error) {
	webtoonID := stringParam(params, "webtoon_id")
	panelID := stringParam(params, "panel_id")
	if err := t.store.RemovePanel(ctx, webtoonID, panelID); err != nil {
		return nil, fmt.Errorf("failed to remove panel %s from webtoon %s: %w", panelID, webtoonID, err)
	}
	t.notify(ctx, params, webtoonID)
	return map[string]any{
		"webtoon_id": webtoonID,
		"panel_id":   panelID,
		"message":    "Panel removed successfully",
	}, nil
}

func (t *webtoonTools) addCharacter(ctx context.Context, params map[string]any) (map[string]any, error) {
	webtoonID := stringParam(params, "webtoon_id")
	c, err := t.store.AddCharacter(ctx, webtoonID, Character{
		Name:              stringParam(params, "name"),
		Description:       stringParam(params, "description"),
		Role:              stringParam(params, "role"),
		PersonalityTraits: stringsParam(params, "personality_traits"),
	})
	if err != nil {
		return nil, err
	}
	t.notify(ctx, params, webtoonID)
	return map[string]any{
		"webtoon_id": webtoonID,
		"character":  c,
		"message":    fmt.Sprintf("Character '%s' added successfully", c.Name),
	}, nil
}

func (t *webtoonTools) addSpeechBubble(ctx context.Context, params map[string]any) (map[string]any, error) {
	webtoonID := stringParam(params, "webtoon_id")
	panelID := stringParam(params, "panel_id")
	bubbleType := stringParam(params, "bubble_type")
	if bubbleType == "" {
		bubbleType = "speech"
	}
	position := stringParam(params, "position")
	if position == "" {
		position = "top-right"
	}
	b, err := t.store.AddSpeechBubble(ctx, webtoonID, panelID, SpeechBubble{
		CharacterName: stringParam(params, "character_name"),
		Text:          stringParam(params, "text"),
		BubbleType:    bubbleType,
		Position:      position,
	})
	if err != nil {
		return nil, err
	}
	t.notify(ctx, params, webtoonID)
	return map[string]any{
		"webtoon_id": webtoonID,
		"panel_id":   panelID,
		"bubble":     b,
		"message":    "Speech bubble added successfully",
	}, nil
}
