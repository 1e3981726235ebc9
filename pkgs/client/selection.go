package client

// Selection is one message chosen for complete retrieval.
type Selection struct {
	Folder    string
	ServerUID string
	ID        string
}

// SelectionMap holds the messages a complete-retrieval pass fetches,
// grouped by folder in the order they were added. It is built once and
// then consumed with Next; Add after the first Next is ignored.
type SelectionMap struct {
	folders []string
	entries map[string][]Selection
	started bool

	folder int
	index  int
}

// NewSelectionMap returns an empty map.
func NewSelectionMap() *SelectionMap {
	return &SelectionMap{entries: make(map[string][]Selection)}
}

// Add appends a message to its folder group.
func (s *SelectionMap) Add(folder, serverUID, id string) {
	if s.started {
		return
	}
	if _, ok := s.entries[folder]; !ok {
		s.folders = append(s.folders, folder)
	}
	s.entries[folder] = append(s.entries[folder], Selection{Folder: folder, ServerUID: serverUID, ID: id})
}

// Len is the number of selected messages.
func (s *SelectionMap) Len() int {
	n := 0
	for _, e := range s.entries {
		n += len(e)
	}
	return n
}

// Folders lists the folders in insertion order.
func (s *SelectionMap) Folders() []string {
	return append([]string(nil), s.folders...)
}

// Entries returns the selections of folder.
func (s *SelectionMap) Entries(folder string) []Selection {
	return append([]Selection(nil), s.entries[folder]...)
}

// Next returns the next unconsumed selection.
func (s *SelectionMap) Next() (Selection, bool) {
	s.started = true
	for s.folder < len(s.folders) {
		group := s.entries[s.folders[s.folder]]
		if s.index < len(group) {
			sel := group[s.index]
			s.index++
			return sel, true
		}
		s.folder++
		s.index = 0
	}
	return Selection{}, false
}

// Remaining is the number of selections Next has not returned yet.
func (s *SelectionMap) Remaining() int {
	n := 0
	for i := s.folder; i < len(s.folders); i++ {
		n += len(s.entries[s.folders[i]])
	}
	return n - s.index
}
