package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"arbor/pkg/tree"
	"arbor/pkg/utils"
)

// treeNode mirrors one entry for rendering.
type treeNode struct {
	Name     string
	IsDir    bool
	Size     int64
	Modified time.Time
	Children []*treeNode
	Path     string
}

func treeCmd() *cobra.Command {
	var maxDepth int
	cmd := &cobra.Command{
		Use:   "tree [path]",
		Short: "Render a folder subtree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			return withWorkspace(false, func(ctx context.Context, t *tree.Tree) error {
				root, err := buildDisplayTree(t, path, maxDepth)
				if err != nil {
					return err
				}
				fmt.Print(renderTreePanel(root))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&maxDepth, "depth", "d", 5, "maximum depth to render")
	return cmd
}

func buildDisplayTree(t *tree.Tree, path string, maxDepth int) (*treeNode, error) {
	entry, err := t.Stat(path)
	if err != nil {
		return nil, err
	}
	root := &treeNode{
		Name:     "/",
		IsDir:    entry.IsFolder,
		Path:     entry.Path,
		Children: []*treeNode{},
	}
	if err := populateTreeNode(t, root, maxDepth); err != nil {
		return nil, err
	}
	return root, nil
}

func populateTreeNode(t *tree.Tree, node *treeNode, depth int) error {
	if !node.IsDir || depth <= 0 {
		return nil
	}

	entries, err := t.List(node.Path)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		child := &treeNode{
			Name:     entry.Name,
			IsDir:    entry.IsFolder,
			Size:     entry.Size,
			Modified: entry.Modified,
			Path:     entry.Path,
			Children: []*treeNode{},
		}
		if entry.IsFolder {
			if err := populateTreeNode(t, child, depth-1); err != nil {
				return err
			}
		}
		node.Children = append(node.Children, child)
	}

	// Folders first, then by name.
	sort.Slice(node.Children, func(i, j int) bool {
		if node.Children[i].IsDir != node.Children[j].IsDir {
			return node.Children[i].IsDir
		}
		return node.Children[i].Name < node.Children[j].Name
	})
	return nil
}

func renderTree(node *treeNode, prefix string, isLast bool) string {
	var result strings.Builder

	if node.Name != "/" {
		if isLast {
			result.WriteString(prefix + "└── ")
		} else {
			result.WriteString(prefix + "├── ")
		}

		nameStyle := lipgloss.NewStyle()
		if node.IsDir {
			nameStyle = nameStyle.Bold(true).Foreground(lipgloss.Color("#7571f9"))
		} else {
			nameStyle = nameStyle.Foreground(lipgloss.Color("#ffffff"))
		}
		result.WriteString(nameStyle.Render(node.Name))

		if !node.IsDir && node.Size > 0 {
			sizeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#6c757d"))
			result.WriteString(sizeStyle.Render(fmt.Sprintf(" (%s)", utils.FormatDataSize(node.Size))))
		}
		result.WriteString("\n")
	}

	childPrefix := prefix
	if node.Name != "/" {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	for i, child := range node.Children {
		result.WriteString(renderTree(child, childPrefix, i == len(node.Children)-1))
	}
	return result.String()
}

func renderTreePanel(root *treeNode) string {
	var (
		primaryColor = lipgloss.Color("#7571f9")
		mutedColor   = lipgloss.Color("#6c757d")

		panelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(1)

		headerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(primaryColor).
				Underline(true).
				MarginBottom(1)

		emptyStyle = lipgloss.NewStyle().
				Foreground(mutedColor).
				Italic(true)
	)

	header := headerStyle.Render(root.Path)
	if len(root.Children) == 0 {
		return panelStyle.Render(header+"\n\n"+emptyStyle.Render("empty folder")) + "\n"
	}

	stats := calculateTreeStats(root)
	statsLine := lipgloss.NewStyle().
		Foreground(mutedColor).
		Render(fmt.Sprintf("\n%d folders, %d files, %s total",
			stats.Dirs, stats.Files, utils.FormatDataSize(stats.TotalSize)))

	return panelStyle.Render(header+"\n\n"+renderTree(root, "", false)+statsLine) + "\n"
}

type treeStats struct {
	Files     int
	Dirs      int
	TotalSize int64
}

func calculateTreeStats(node *treeNode) treeStats {
	stats := treeStats{}
	if node.IsDir {
		if node.Name != "/" {
			stats.Dirs++
		}
		for _, child := range node.Children {
			childStats := calculateTreeStats(child)
			stats.Files += childStats.Files
			stats.Dirs += childStats.Dirs
			stats.TotalSize += childStats.TotalSize
		}
	} else {
		stats.Files++
		stats.TotalSize += node.Size
	}
	return stats
}
