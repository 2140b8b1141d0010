// Package taxonomy implements the hierarchical classification tree and the
// multi-label classifier that assigns resources to it.
//
// Nodes carry materialized paths ("/cs/ml/dl"): ancestor lookup splits the
// path, descendant lookup is a prefix scan on the path index. Moves and
// deletes rewrite descendant paths inside one transaction.
package taxonomy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Node is one taxonomy tree node.
type Node struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	ParentID       string    `json:"parent_id,omitempty"`
	Level          int       `json:"level"`
	Path           string    `json:"path"`
	Keywords       []string  `json:"keywords"`
	AllowResources bool      `json:"allow_resources"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TreeNode is a Node with its children attached, for the tree endpoint.
type TreeNode struct {
	Node
	Children []*TreeNode `json:"children"`
}

// NodeInput creates a node. Slug defaults to a slugified Name.
type NodeInput struct {
	Name           string   `json:"name"`
	Slug           string   `json:"slug"`
	ParentID       string   `json:"parent_id"`
	Keywords       []string `json:"keywords"`
	AllowResources *bool    `json:"allow_resources"`
}

// NodeUpdate is a partial node update. A slug change rewrites the paths of
// the node and every descendant.
type NodeUpdate struct {
	Name           *string   `json:"name"`
	Slug           *string   `json:"slug"`
	Keywords       *[]string `json:"keywords"`
	AllowResources *bool     `json:"allow_resources"`
}

// Store owns the taxonomy_nodes table.
type Store struct {
	db *kernel.DB
}

// NewStore wires the tree store.
func NewStore(db *kernel.DB) *Store {
	return &Store{db: db}
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases and collapses non-alphanumerics to single hyphens.
func Slugify(name string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// CreateNode inserts a node under the given parent (empty parent = root).
func (s *Store) CreateNode(ctx context.Context, in NodeInput) (*Node, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", resource.ErrValidation)
	}
	slug := in.Slug
	if slug == "" {
		slug = Slugify(in.Name)
	}
	if slug == "" {
		return nil, fmt.Errorf("%w: slug is empty after normalization", resource.ErrValidation)
	}

	n := &Node{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Slug:           slug,
		ParentID:       in.ParentID,
		Keywords:       in.Keywords,
		AllowResources: true,
	}
	if in.AllowResources != nil {
		n.AllowResources = *in.AllowResources
	}

	err := s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if in.ParentID != "" {
			parent, err := s.getTx(ctx, tx, in.ParentID)
			if err != nil {
				return err
			}
			n.Path = parent.Path + "/" + slug
			n.Level = parent.Level + 1
		} else {
			n.Path = "/" + slug
			n.Level = 0
		}
		if err := s.checkSiblingSlug(ctx, tx, in.ParentID, slug); err != nil {
			return err
		}
		now := s.now()
		n.CreatedAt, n.UpdatedAt = now, now
		_, err := tx.ExecContext(ctx, `INSERT INTO taxonomy_nodes
			(id, name, slug, parent_id, level, path, keywords, allow_resources, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.Name, n.Slug, nullable(n.ParentID), n.Level, n.Path,
			marshalStrings(n.Keywords), boolInt(n.AllowResources),
			now.Format(timeLayout), now.Format(timeLayout))
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// UpdateNode applies a partial update. Changing the slug rewrites the
// subtree's paths atomically.
func (s *Store) UpdateNode(ctx context.Context, id string, upd NodeUpdate) (*Node, error) {
	var out *Node
	err := s.db.InTx(ctx, func(tx *kernel.Tx) error {
		n, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if upd.Name != nil {
			n.Name = *upd.Name
		}
		if upd.Keywords != nil {
			n.Keywords = *upd.Keywords
		}
		if upd.AllowResources != nil {
			n.AllowResources = *upd.AllowResources
		}
		if upd.Slug != nil && *upd.Slug != n.Slug {
			newSlug := *upd.Slug
			if newSlug == "" {
				return fmt.Errorf("%w: slug cannot be empty", resource.ErrValidation)
			}
			if err := s.checkSiblingSlug(ctx, tx, n.ParentID, newSlug, n.ID); err != nil {
				return err
			}
			newPath := parentPath(n.Path) + "/" + newSlug
			if err := s.rewriteSubtree(ctx, tx, n.Path, newPath, 0); err != nil {
				return err
			}
			n.Slug = newSlug
			n.Path = newPath
		}
		n.UpdatedAt = s.now()
		_, err = tx.ExecContext(ctx, `UPDATE taxonomy_nodes
			SET name = ?, slug = ?, keywords = ?, allow_resources = ?, updated_at = ?
			WHERE id = ?`,
			n.Name, n.Slug, marshalStrings(n.Keywords), boolInt(n.AllowResources),
			n.UpdatedAt.Format(timeLayout), n.ID)
		out = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MoveNode reparents a node, rewriting its subtree's paths and levels in
// one transaction. Moving under a descendant or onto itself is a conflict.
func (s *Store) MoveNode(ctx context.Context, id, newParentID string) (*Node, error) {
	if id == newParentID {
		return nil, fmt.Errorf("%w: node cannot be its own parent", resource.ErrConflict)
	}
	var out *Node
	err := s.db.InTx(ctx, func(tx *kernel.Tx) error {
		n, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		newPath := "/" + n.Slug
		newLevel := 0
		if newParentID != "" {
			parent, err := s.getTx(ctx, tx, newParentID)
			if err != nil {
				return err
			}
			if parent.Path == n.Path || strings.HasPrefix(parent.Path, n.Path+"/") {
				return fmt.Errorf("%w: move would create a cycle", resource.ErrConflict)
			}
			newPath = parent.Path + "/" + n.Slug
			newLevel = parent.Level + 1
		}
		if err := s.checkSiblingSlug(ctx, tx, newParentID, n.Slug, n.ID); err != nil {
			return err
		}
		if err := s.rewriteSubtree(ctx, tx, n.Path, newPath, newLevel-n.Level); err != nil {
			return err
		}
		n.UpdatedAt = s.now()
		_, err = tx.ExecContext(ctx, `UPDATE taxonomy_nodes
			SET parent_id = ?, updated_at = ? WHERE id = ?`,
			nullable(newParentID), n.UpdatedAt.Format(timeLayout), n.ID)
		if err != nil {
			return err
		}
		n.ParentID = newParentID
		n.Path = newPath
		n.Level = newLevel
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteNode removes a node. With cascade the whole subtree goes; without,
// children are reparented to the node's parent. Either way the operation
// fails while any affected node still has resource assignments.
func (s *Store) DeleteNode(ctx context.Context, id string, cascade bool) error {
	return s.db.InTx(ctx, func(tx *kernel.Tx) error {
		n, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cascade {
			var assigned int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM taxonomy_assignments
				WHERE node_id IN (SELECT id FROM taxonomy_nodes WHERE path = ? OR path LIKE ?)`,
				n.Path, n.Path+"/%").Scan(&assigned)
			if err != nil {
				return err
			}
			if assigned > 0 {
				return fmt.Errorf("%w: subtree has %d resource assignments", resource.ErrConflict, assigned)
			}
			_, err = tx.ExecContext(ctx,
				`DELETE FROM taxonomy_nodes WHERE path = ? OR path LIKE ?`, n.Path, n.Path+"/%")
			return err
		}

		var assigned int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM taxonomy_assignments WHERE node_id = ?`, n.ID).
			Scan(&assigned); err != nil {
			return err
		}
		if assigned > 0 {
			return fmt.Errorf("%w: node has %d resource assignments", resource.ErrConflict, assigned)
		}

		children, err := s.childrenTx(ctx, tx, n.ID)
		if err != nil {
			return err
		}
		grandparentPath := parentPath(n.Path)
		if len(children) > 0 {
			// Vacate the slug slot before reparenting. The node still
			// exists until its children are moved, and the sibling
			// uniqueness index would otherwise reject a child that
			// carries the same slug.
			if _, err := tx.ExecContext(ctx,
				`UPDATE taxonomy_nodes SET slug = id WHERE id = ?`, n.ID); err != nil {
				return err
			}
		}
		for _, child := range children {
			if err := s.checkSiblingSlug(ctx, tx, n.ParentID, child.Slug, child.ID, n.ID); err != nil {
				return err
			}
			newChildPath := grandparentPath + "/" + child.Slug
			if err := s.rewriteSubtree(ctx, tx, child.Path, newChildPath, -1); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE taxonomy_nodes
				SET parent_id = ?, updated_at = ? WHERE id = ?`,
				nullable(n.ParentID), s.now().Format(timeLayout), child.ID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM taxonomy_nodes WHERE id = ?`, n.ID)
		return err
	})
}

// Get loads one node.
func (s *Store) Get(ctx context.Context, id string) (*Node, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		nodeSelect+` WHERE id = ?`, id))
}

// Ancestors returns the chain from root to the node's parent, in order.
func (s *Store) Ancestors(ctx context.Context, id string) ([]*Node, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	segments := strings.Split(strings.TrimPrefix(n.Path, "/"), "/")
	var out []*Node
	prefix := ""
	for _, seg := range segments[:len(segments)-1] {
		prefix += "/" + seg
		anc, err := s.scanOne(s.db.QueryRowContext(ctx,
			nodeSelect+` WHERE path = ?`, prefix))
		if err != nil {
			return nil, err
		}
		out = append(out, anc)
	}
	return out, nil
}

// Descendants returns the subtree below a node, ordered by path.
func (s *Store) Descendants(ctx context.Context, id string) ([]*Node, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, nodeSelect+` WHERE path LIKE ? ORDER BY path`, n.Path+"/%")
}

// Tree returns all roots with children nested, ordered by path.
func (s *Store) Tree(ctx context.Context) ([]*TreeNode, error) {
	nodes, err := s.list(ctx, nodeSelect+` ORDER BY path`)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*TreeNode, len(nodes))
	var roots []*TreeNode
	for _, n := range nodes {
		byID[n.ID] = &TreeNode{Node: *n, Children: []*TreeNode{}}
	}
	for _, n := range nodes {
		t := byID[n.ID]
		if n.ParentID == "" {
			roots = append(roots, t)
			continue
		}
		if parent, ok := byID[n.ParentID]; ok {
			parent.Children = append(parent.Children, t)
		}
	}
	return roots, nil
}

// All returns every node ordered by path.
func (s *Store) All(ctx context.Context) ([]*Node, error) {
	return s.list(ctx, nodeSelect+` ORDER BY path`)
}

// rewriteSubtree replaces the path prefix oldPath with newPath and shifts
// levels by levelDelta for the node and all descendants.
func (s *Store) rewriteSubtree(ctx context.Context, tx *kernel.Tx, oldPath, newPath string, levelDelta int) error {
	now := s.now().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `UPDATE taxonomy_nodes
		SET path = ?, level = level + ?, updated_at = ? WHERE path = ?`,
		newPath, levelDelta, now, oldPath); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE taxonomy_nodes
		SET path = ? || SUBSTR(path, ?), level = level + ?, updated_at = ?
		WHERE path LIKE ?`,
		newPath, len(oldPath)+1, levelDelta, now, oldPath+"/%")
	return err
}

func (s *Store) checkSiblingSlug(ctx context.Context, tx *kernel.Tx, parentID, slug string, excludeIDs ...string) error {
	query := `SELECT COUNT(*) FROM taxonomy_nodes
		WHERE COALESCE(parent_id, '') = ? AND slug = ?`
	args := []any{parentID, slug}
	for _, id := range excludeIDs {
		query += ` AND id != ?`
		args = append(args, id)
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: slug %q already exists under this parent", resource.ErrConflict, slug)
	}
	return nil
}

const nodeSelect = `SELECT id, name, slug, COALESCE(parent_id, ''), level, path,
	keywords, allow_resources, created_at, updated_at FROM taxonomy_nodes`

func (s *Store) getTx(ctx context.Context, tx *kernel.Tx, id string) (*Node, error) {
	return s.scanOne(tx.QueryRowContext(ctx, nodeSelect+` WHERE id = ?`, id))
}

func (s *Store) childrenTx(ctx context.Context, tx *kernel.Tx, parentID string) ([]*Node, error) {
	rows, err := tx.QueryContext(ctx, nodeSelect+` WHERE parent_id = ? ORDER BY path`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *Store) list(ctx context.Context, stmt string, args ...any) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *Store) scanOne(row rowScanner) (*Node, error) {
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resource.ErrNotFound
	}
	return n, err
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var keywords, createdAt, updatedAt string
	var allow int
	if err := row.Scan(&n.ID, &n.Name, &n.Slug, &n.ParentID, &n.Level, &n.Path,
		&keywords, &allow, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.Keywords = unmarshalStrings(keywords)
	n.AllowResources = allow != 0
	n.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	n.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func parentPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return ""
	}
	return path[:i]
}

func (s *Store) now() time.Time { return s.db.Clock().Now().UTC() }

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
