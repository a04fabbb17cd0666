package collab

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the shared playbook graph. One document is co-edited by one room.
//
// element ids are the embedding application's element ids (free-form
// strings), not connection/user ids. Module and link ids are unique
// within a document. A link's endpoints reference module ids; under
// unordered delivery the reference can be transiently dangling, and the
// reconciler prunes dangling links whenever an endpoint disappears.
type Document struct {
	Modules           []*Module        `json:"modules"`
	Links             []*Link          `json:"links"`
	Plays             map[string]*Play `json:"plays"`
	Variables         []*Variable      `json:"variables"`
	CollapsedSections map[string]bool  `json:"collapsed_sections,omitempty"`
}

func NewDocument() *Document {
	return &Document{
		Modules:           []*Module{},
		Links:             []*Link{},
		Plays:             map[string]*Play{},
		Variables:         []*Variable{},
		CollapsedSections: map[string]bool{},
	}
}

// graph node on the canvas
type Module struct {
	Id        string         `json:"id"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Width     float64        `json:"width,omitempty"`
	Height    float64        `json:"height,omitempty"`
	Section   string         `json:"section,omitempty"`
	Collapsed bool           `json:"collapsed,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// directed edge between two modules
type Link struct {
	Id   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// id-keyed record of arbitrary fields. Role entries are a list under
// the "roles" field and travel as play updates, not as their own kind.
type Play struct {
	Id     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ordered, index-addressed
type Variable struct {
	Id    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Value any    `json:"value,omitempty"`
}

func (self *Document) Module(moduleId string) *Module {
	i := slices.IndexFunc(self.Modules, func(module *Module) bool {
		return module.Id == moduleId
	})
	if i < 0 {
		return nil
	}
	return self.Modules[i]
}

func (self *Document) Link(linkId string) *Link {
	i := slices.IndexFunc(self.Links, func(link *Link) bool {
		return link.Id == linkId
	})
	if i < 0 {
		return nil
	}
	return self.Links[i]
}

// shallow copy of the document with cloned top-level collections.
// elements are shared; the reconciler replaces changed elements.
func (self *Document) Copy() *Document {
	return &Document{
		Modules:           slices.Clone(self.Modules),
		Links:             slices.Clone(self.Links),
		Plays:             maps.Clone(self.Plays),
		Variables:         slices.Clone(self.Variables),
		CollapsedSections: maps.Clone(self.CollapsedSections),
	}
}

func (self *Module) Copy() *Module {
	next := *self
	next.Params = maps.Clone(self.Params)
	return &next
}

func (self *Play) Copy() *Play {
	next := *self
	next.Fields = maps.Clone(self.Fields)
	return &next
}

func (self *Variable) Copy() *Variable {
	next := *self
	return &next
}
