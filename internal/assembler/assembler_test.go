package assembler

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/tgmirror/internal/downloader"
	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

func item(msgID int, group int64, caption string) Item {
	return Item{
		Path: filepath.Join("tmp", "file"),
		Meta: downloader.Metadata{
			ChatID:    -100123,
			MsgID:     msgID,
			GroupedID: group,
			Kind:      telegram.KindPhoto,
			Caption:   caption,
		},
	}
}

// TestAssemble_CaptionMovesToFirstMember verifies the album caption
// rule: the lowest message ID carries the first caption found, every
// other member is cleared.
func TestAssemble_CaptionMovesToFirstMember(t *testing.T) {
	// Arrives in fetch order (descending); only the middle member has a
	// caption.
	bundle := Assemble([]Item{
		item(49, 7, ""),
		item(48, 7, "album caption"),
		item(47, 7, ""),
	})

	if len(bundle.Albums) != 1 || len(bundle.Singles) != 0 {
		t.Fatalf("got %d albums, %d singles, want 1 album", len(bundle.Albums), len(bundle.Singles))
	}
	album := bundle.Albums[0]
	wantIDs := []int{47, 48, 49}
	for i, want := range wantIDs {
		if album[i].Meta.MsgID != want {
			t.Errorf("member %d = msg %d, want %d (ascending order)", i, album[i].Meta.MsgID, want)
		}
	}
	if album[0].Caption != "album caption" {
		t.Errorf("first member caption = %q, want the group caption", album[0].Caption)
	}
	for _, m := range album[1:] {
		if m.Caption != "" {
			t.Errorf("member %d caption = %q, want empty", m.Meta.MsgID, m.Caption)
		}
	}
}

// TestAssemble_EntitiesFollowCaption verifies formatting entities move
// with the caption they belong to.
func TestAssemble_EntitiesFollowCaption(t *testing.T) {
	captioned := item(48, 7, "bold text")
	captioned.Meta.Entities = []telegram.Entity{{Type: "bold", Offset: 0, Length: 4}}

	bundle := Assemble([]Item{item(47, 7, ""), captioned})

	album := bundle.Albums[0]
	if !reflect.DeepEqual(album[0].Entities, captioned.Meta.Entities) {
		t.Errorf("first member entities = %v, want %v", album[0].Entities, captioned.Meta.Entities)
	}
	if album[1].Entities != nil {
		t.Errorf("second member entities = %v, want nil", album[1].Entities)
	}
}

// TestAssemble_SingleMemberAlbumDemotes verifies a one-member group is
// treated as a standalone message with its own caption.
func TestAssemble_SingleMemberAlbumDemotes(t *testing.T) {
	bundle := Assemble([]Item{item(42, 9, "lonely")})

	if len(bundle.Albums) != 0 {
		t.Fatalf("got %d albums, want none", len(bundle.Albums))
	}
	if len(bundle.Singles) != 1 {
		t.Fatalf("got %d singles, want 1", len(bundle.Singles))
	}
	if bundle.Singles[0].Caption != "lonely" {
		t.Errorf("caption = %q, want kept", bundle.Singles[0].Caption)
	}
}

// TestAssemble_SinglesKeepCaptions verifies ungrouped items pass
// through untouched.
func TestAssemble_SinglesKeepCaptions(t *testing.T) {
	bundle := Assemble([]Item{item(10, 0, "a"), item(11, 0, "")})

	if len(bundle.Singles) != 2 {
		t.Fatalf("got %d singles, want 2", len(bundle.Singles))
	}
	if bundle.Singles[0].Caption != "a" || bundle.Singles[1].Caption != "" {
		t.Errorf("captions = %q, %q, want a, empty",
			bundle.Singles[0].Caption, bundle.Singles[1].Caption)
	}
}

// TestAssemble_MixedGroups verifies two interleaved albums separate
// cleanly.
func TestAssemble_MixedGroups(t *testing.T) {
	bundle := Assemble([]Item{
		item(20, 1, "first"),
		item(22, 2, "second"),
		item(21, 1, ""),
		item(23, 2, ""),
	})

	if len(bundle.Albums) != 2 {
		t.Fatalf("got %d albums, want 2", len(bundle.Albums))
	}
	if bundle.Albums[0][0].Caption != "first" || bundle.Albums[1][0].Caption != "second" {
		t.Errorf("album captions = %q, %q", bundle.Albums[0][0].Caption, bundle.Albums[1][0].Caption)
	}
}

// TestLoad_RoundTripsSideFiles verifies the restart path: items rebuilt
// from nothing but the side-files on disk.
func TestLoad_RoundTripsSideFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "-100123_42_group_7.jpg")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	side := `{"chat_id":-100123,"msg_id":42,"grouped_id":7,"kind":"photo","caption":"hi","date":"2024-01-01T00:00:00Z","file":{}}`
	if err := os.WriteFile(downloader.MetadataPath(path), []byte(side), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := Load([]string{path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	got := items[0].Meta
	if got.MsgID != 42 || got.GroupedID != 7 || got.Caption != "hi" {
		t.Errorf("metadata = %+v, want msg 42 group 7 caption hi", got)
	}
}

// TestLoad_MissingSideFileFails verifies a lost side-file surfaces as
// an error instead of a silent drop.
func TestLoad_MissingSideFileFails(t *testing.T) {
	if _, err := Load([]string{filepath.Join(t.TempDir(), "gone.jpg")}); err == nil {
		t.Error("Load succeeded, want error for missing side-file")
	}
}
