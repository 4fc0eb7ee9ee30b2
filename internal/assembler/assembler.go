// Package assembler rebuilds album groupings from downloaded artifacts
// and their metadata side-files, deciding which member carries the
// caption.
package assembler

import (
	"fmt"
	"sort"

	"github.com/nextlevelbuilder/tgmirror/internal/downloader"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

// Item is one artifact ready for upload.
type Item struct {
	Path     string
	Meta     downloader.Metadata
	Caption  string
	Entities []telegram.Entity
}

// Bundle is the assembler's output: albums to send atomically and
// standalone items.
type Bundle struct {
	Albums  [][]Item
	Singles []Item
}

// Load reads the metadata side-files for a set of artifact paths.
// This is the restart path: nothing but the files on disk is needed.
func Load(paths []string) ([]Item, error) {
	items := make([]Item, 0, len(paths))
	for _, p := range paths {
		meta, err := downloader.ReadMetadata(p)
		if err != nil {
			return nil, fmt.Errorf("load artifact %s: %w", p, err)
		}
		items = append(items, Item{Path: p, Meta: meta})
	}
	return items, nil
}

// FromArtifacts converts downloader output, reusing the metadata it
// already carries.
func FromArtifacts(arts []downloader.Artifact) []Item {
	items := make([]Item, 0, len(arts))
	for _, a := range arts {
		items = append(items, Item{Path: a.Path, Meta: a.Meta})
	}
	return items
}

// Assemble groups items by album key and applies the caption rule:
// the first member by ascending message ID receives the caption of
// the first member that had one, every other member's caption is
// cleared. Singles keep their own captions. A one-member album is a
// single.
func Assemble(items []Item) Bundle {
	groups := make(map[int64][]Item)
	var order []int64
	var bundle Bundle

	for _, it := range items {
		if key := it.Meta.GroupedID; key != 0 {
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], it)
		} else {
			it.Caption = it.Meta.Caption
			it.Entities = it.Meta.Entities
			bundle.Singles = append(bundle.Singles, it)
		}
	}

	for _, key := range order {
		members := groups[key]
		if len(members) == 1 {
			single := members[0]
			single.Caption = single.Meta.Caption
			single.Entities = single.Meta.Entities
			bundle.Singles = append(bundle.Singles, single)
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return members[i].Meta.MsgID < members[j].Meta.MsgID
		})
		for i := range members {
			members[i].Caption = ""
			members[i].Entities = nil
		}
		for _, m := range members {
			if m.Meta.Caption != "" {
				members[0].Caption = m.Meta.Caption
				members[0].Entities = m.Meta.Entities
				break
			}
		}
		bundle.Albums = append(bundle.Albums, members)
	}
	return bundle
}
