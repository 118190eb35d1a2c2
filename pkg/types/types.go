package types

import (
	"time"
)

type BlobRef string

// NodeKind distinguishes files from folders in the virtual tree.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindFolder
)

func (k NodeKind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "file"
}

// Folder is a container node. Children holds absolute child paths.
type Folder struct {
	Path     string
	Children []string
	Modified time.Time
	Project  *ProjectMeta // non-nil when registered as a project root
}

// File is a leaf node. Its content lives in the blob store under Ref.
type File struct {
	Path     string
	Size     int64
	Modified time.Time
	Ref      BlobRef
	Hash     string
}

// ProjectMeta decorates a folder registered as a project root.
type ProjectMeta struct {
	Type       string
	Attributes map[string][]string
}

// Entry is the read-only view of a node returned by Stat and List.
type Entry struct {
	Name     string
	Path     string
	IsFolder bool
	Size     int64
	Modified time.Time
}

// EventType enumerates tree mutations published on the change bus.
type EventType int

const (
	EventCreated EventType = iota
	EventUpdated
	EventDeleted
	EventMoved
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	case EventMoved:
		return "moved"
	}
	return "unknown"
}

// Event describes a committed tree mutation. From is set for moves only.
type Event struct {
	Type     EventType
	Path     string
	From     string
	IsFolder bool
	Time     time.Time
}

// Estimation is one project type verdict produced by a resolver.
type Estimation struct {
	Type       string
	Matched    bool
	Attributes map[string][]string
}
