package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/justapithecus/zanj/zanj"
)

func newInspectCmd(a *app) *cobra.Command {
	var (
		get     string
		resolve bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "inspect CONTAINER",
		Short: "Print the structure of a container",
		Long: `Print the tree of a container. References are shown without being
fetched unless --resolve is set; --get prints one value, loading only the
blobs on its key path. Keys are separated by dots.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src, err := a.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			root, err := src.Load(ctx)
			if err != nil {
				return err
			}
			var v zanj.Value = root
			if get != "" {
				if v, err = zanj.Lookup(ctx, root, splitKeys(get)...); err != nil {
					return err
				}
			}
			if resolve {
				if v, err = zanj.Resolve(ctx, v); err != nil {
					return err
				}
			}
			p := &printer{w: cmd.OutOrStdout(), meta: src.Meta(), limit: limit}
			p.value(v, 0)
			return nil
		},
	}
	cmd.Flags().StringVar(&get, "get", "", "Print only the value at this key path")
	cmd.Flags().BoolVar(&resolve, "resolve", false, "Fetch every referenced blob")
	cmd.Flags().IntVar(&limit, "limit", 8, "Array elements to print")
	return cmd
}

func splitKeys(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// printer writes an indented description of a tree.
type printer struct {
	w     io.Writer
	meta  *zanj.Meta
	limit int
}

func (p *printer) line(depth int, format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "%s%s\n", strings.Repeat("  ", depth), fmt.Sprintf(format, args...))
}

func (p *printer) value(v zanj.Value, depth int) {
	switch tv := v.(type) {
	case *zanj.Mapping:
		for k, e := range tv.All() {
			if isLeaf(e) {
				p.line(depth, "%s: %s", k, p.describe(e))
				continue
			}
			p.line(depth, "%s:", k)
			p.value(e, depth+1)
		}
	case zanj.Sequence:
		for i, e := range tv {
			if isLeaf(e) {
				p.line(depth, "- [%d] %s", i, p.describe(e))
				continue
			}
			p.line(depth, "- [%d]", i)
			p.value(e, depth+1)
		}
	default:
		p.line(depth, "%s", p.describe(v))
	}
}

func isLeaf(v zanj.Value) bool {
	switch tv := v.(type) {
	case *zanj.Mapping:
		return tv.Len() == 0
	case zanj.Sequence:
		return len(tv) == 0
	}
	return true
}

func (p *printer) describe(v zanj.Value) string {
	switch tv := v.(type) {
	case nil, zanj.Null:
		return "null"
	case zanj.Bool:
		return strconv.FormatBool(bool(tv))
	case zanj.Number:
		return string(tv)
	case zanj.String:
		return strconv.Quote(string(tv))
	case *zanj.Mapping:
		return "{}"
	case zanj.Sequence:
		return "[]"
	case *zanj.Array:
		return fmt.Sprintf("array %s %v %s", tv.DType, tv.Shape, p.elements(tv))
	case *zanj.Lazy:
		ref := tv.Ref()
		s := fmt.Sprintf("-> %s (%s)", ref.Path, ref.Format)
		if info, ok := p.blobInfo(ref.Path); ok {
			if info.DType != "" {
				s += fmt.Sprintf(" %s %v", info.DType, info.Shape)
			}
			s += fmt.Sprintf(", %d bytes", info.SizeBytes)
		}
		return s
	}
	return fmt.Sprintf("%T", v)
}

func (p *printer) elements(a *zanj.Array) string {
	n := a.Size()
	show := min(n, max(p.limit, 0))
	parts := make([]string, 0, show+1)
	for i := range show {
		parts = append(parts, a.Scalar(i).String())
	}
	if show < n {
		parts = append(parts, fmt.Sprintf("... (%d more)", n-show))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (p *printer) blobInfo(path string) (zanj.BlobInfo, bool) {
	if p.meta == nil {
		return zanj.BlobInfo{}, false
	}
	for _, b := range p.meta.Blobs {
		if b.Path == path {
			return b, true
		}
	}
	return zanj.BlobInfo{}, false
}
