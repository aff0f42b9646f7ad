package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scribe/internal/models"
)

func TestLocalStoreCapsHistory(t *testing.T) {
	s := NewLocal("")
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < MaxLocalConversations+5; i++ {
		c := conv(fmt.Sprintf("c%02d", i), "msg")
		c.UpdatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.SaveConversation(ctx, "", c); err != nil {
			t.Fatal(err)
		}
	}
	list, _ := s.ListConversations(ctx, "")
	if len(list) != MaxLocalConversations {
		t.Fatalf("expected %d conversations, got %d", MaxLocalConversations, len(list))
	}
	if list[0].ID != fmt.Sprintf("c%02d", MaxLocalConversations+4) {
		t.Fatalf("newest must come first, got %s", list[0].ID)
	}
	if _, err := s.GetConversation(ctx, "", "c00"); err == nil {
		t.Fatal("oldest conversation should have been evicted")
	}
}

func TestLocalStoreUpsertAndPersistToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.json")
	ctx := context.Background()

	s := NewLocal(path)
	_ = s.SaveConversation(ctx, "", conv("c1", "one"))
	_ = s.SaveConversation(ctx, "", conv("c1", "one", "two"))
	_ = s.SaveSlashCommand(ctx, "", models.SlashCommand{ID: "s1", Label: "/x", Content: "y"})
	_ = s.SaveMessage(ctx, "", models.SavedMessage{ID: "m1", Content: "keep"})

	reopened := NewLocal(path)
	list, err := reopened.ListConversations(ctx, "")
	if err != nil || len(list) != 1 || len(list[0].Messages) != 2 {
		t.Fatalf("expected one upserted conversation, got %+v err=%v", list, err)
	}
	if cmds, _ := reopened.ListSlashCommands(ctx, ""); len(cmds) != 1 {
		t.Fatalf("slash commands not persisted: %+v", cmds)
	}
	if saved, _ := reopened.ListSavedMessages(ctx, ""); len(saved) != 1 || saved[0].Content != "keep" {
		t.Fatalf("saved messages not persisted: %+v", saved)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}

	_ = reopened.DeleteConversation(ctx, "", "c1")
	if list, _ := NewLocal(path).ListConversations(ctx, ""); len(list) != 0 {
		t.Fatalf("delete not persisted: %+v", list)
	}
}

func TestLocalStoreCorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewLocal(path)
	list, err := s.ListConversations(context.Background(), "")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty history, got %+v err=%v", list, err)
	}
}

func TestLocalStoreConcurrentWritesKeepAll(t *testing.T) {
	s := NewLocal(filepath.Join(t.TempDir(), "local.json"))
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("cmd%02d", i)
			if err := s.SaveSlashCommand(ctx, "", models.SlashCommand{ID: id, Label: id}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	list, err := s.ListSlashCommands(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != n {
		t.Fatalf("expected %d slash commands, got %d", n, len(list))
	}
}
