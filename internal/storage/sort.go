package storage

import (
	"cmp"
	"slices"

	"parley/internal/models"
)

func sortChats(chats []models.Chat) {
	slices.SortFunc(chats, func(a, b models.Chat) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

func sortMessages(messages []models.Message) {
	slices.SortFunc(messages, func(a, b models.Message) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}
