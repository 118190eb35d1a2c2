// Package searchindex maintains an incremental inverted index over file
// names and textual content. The owning tree updates it after each
// committed mutation and before reporting success, so queries issued after
// a successful operation always see its effect.
package searchindex

import (
	"path"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
)

const DefaultMaxDocSize = 1024 * 1024 // content beyond 1MB is not indexed

// Query selects indexed files under a subtree. Name and Text are ANDed
// when both are set; an empty Query matches everything under Prefix.
type Query struct {
	Prefix string // subtree root, "/" for the whole tree
	Name   string // glob pattern matched against the file name
	Text   string // whitespace-separated words, all required
}

// Index is safe for concurrent use.
type Index struct {
	mu         sync.RWMutex
	caseFold   bool
	maxDocSize int
	logger     *zap.Logger

	names    map[string]string              // file path -> folded name
	docs     map[string][]string            // file path -> content tokens
	postings map[string]map[string]struct{} // token -> file paths
}

func New(caseFold bool, maxDocSize int, logger *zap.Logger) *Index {
	if maxDocSize <= 0 {
		maxDocSize = DefaultMaxDocSize
	}
	return &Index{
		caseFold:   caseFold,
		maxDocSize: maxDocSize,
		logger:     logger,
		names:      make(map[string]string),
		docs:       make(map[string][]string),
		postings:   make(map[string]map[string]struct{}),
	}
}

// Add indexes a file's name and, when isText is true, its content tokens.
// Re-adding a path replaces its previous entries.
func (idx *Index) Add(filePath, name string, content []byte, isText bool) {
	tokens := []string{}
	if isText {
		if len(content) > idx.maxDocSize {
			content = content[:idx.maxDocSize]
		}
		tokens = Tokenize(string(content))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(filePath)
	idx.names[filePath] = strings.ToLower(name)
	idx.docs[filePath] = tokens
	for _, token := range tokens {
		set, ok := idx.postings[token]
		if !ok {
			set = make(map[string]struct{})
			idx.postings[token] = set
		}
		set[filePath] = struct{}{}
	}
}

// Remove drops every entry for the path. Unknown paths are a no-op.
func (idx *Index) Remove(filePath string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(filePath)
}

func (idx *Index) removeLocked(filePath string) {
	tokens, ok := idx.docs[filePath]
	if !ok {
		if _, named := idx.names[filePath]; !named {
			return
		}
	}
	for _, token := range tokens {
		if set, ok := idx.postings[token]; ok {
			delete(set, filePath)
			if len(set) == 0 {
				delete(idx.postings, token)
			}
		}
	}
	delete(idx.docs, filePath)
	delete(idx.names, filePath)
}

// Search returns all matching file paths in lexicographic order.
func (idx *Index) Search(q Query) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var textHits map[string]struct{}
	if q.Text != "" {
		for i, token := range Tokenize(q.Text) {
			set, ok := idx.postings[token]
			if !ok {
				return nil
			}
			if i == 0 {
				textHits = make(map[string]struct{}, len(set))
				for p := range set {
					textHits[p] = struct{}{}
				}
				continue
			}
			for p := range textHits {
				if _, ok := set[p]; !ok {
					delete(textHits, p)
				}
			}
			if len(textHits) == 0 {
				return nil
			}
		}
	}

	pattern := strings.ToLower(q.Name)
	matches := []string{}
	for filePath, name := range idx.names {
		if !underPrefix(filePath, q.Prefix, idx.caseFold) {
			continue
		}
		if pattern != "" {
			ok, err := path.Match(pattern, name)
			if err != nil || !ok {
				continue
			}
		}
		if textHits != nil {
			if _, ok := textHits[filePath]; !ok {
				continue
			}
		}
		matches = append(matches, filePath)
	}
	sort.Strings(matches)
	return matches
}

// Rename rekeys every indexed file at oldPath or under it to the
// corresponding path under newPath, recomputing name tokens from the new
// paths. Content postings move without retokenizing.
func (idx *Index) Rename(oldPath, newPath string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	affected := []string{}
	for filePath := range idx.names {
		if filePath == oldPath || strings.HasPrefix(filePath, oldPath+"/") {
			affected = append(affected, filePath)
		}
	}
	for _, filePath := range affected {
		moved := newPath + strings.TrimPrefix(filePath, oldPath)
		tokens := idx.docs[filePath]
		delete(idx.docs, filePath)
		delete(idx.names, filePath)
		idx.docs[moved] = tokens
		idx.names[moved] = strings.ToLower(moved[strings.LastIndex(moved, "/")+1:])
		for _, token := range tokens {
			if set, ok := idx.postings[token]; ok {
				delete(set, filePath)
				set[moved] = struct{}{}
			}
		}
	}
}

// Clear empties the index; Rebuild callers use it before re-adding
// everything from a tree walk.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.names = make(map[string]string)
	idx.docs = make(map[string][]string)
	idx.postings = make(map[string]map[string]struct{})
	idx.logger.Info("Search index cleared for rebuild")
}

// Len returns the number of indexed files.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.names)
}

func underPrefix(filePath, prefix string, fold bool) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if fold {
		filePath = strings.ToLower(filePath)
		prefix = strings.ToLower(prefix)
	}
	return filePath == prefix || strings.HasPrefix(filePath, prefix+"/")
}

// Tokenize lowercases text and splits it on any non-alphanumeric rune.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	tokens := fields[:0]
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}
