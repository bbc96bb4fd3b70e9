package database

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StatCategories are the Minecraft statistic categories we keep, without
// the "minecraft:" namespace
var StatCategories = []string{
	"broken",
	"mined",
	"dropped",
	"used",
	"killed",
	"crafted",
	"killed_by",
	"custom",
	"picked_up",
}

// Item groups assigned to each stat row
const (
	GroupTool  = "tool"
	GroupArmor = "armor"
	GroupOther = "other"
)

var (
	toolSubstrings  = []string{"axe", "shovel", "hoe", "sword", "shield", "flint_and_steel", "bow", "brush", "trident", "shears", "fishing_rod"}
	armorSubstrings = []string{"boots", "leggings", "chestplate", "helmet"}
)

const minecraftNamespace = "minecraft:"

// StatEntry is one flattened statistic: how often object was <category>
type StatEntry struct {
	Object   string
	Category string
	Group    string
	Value    int64
}

type statsDocument struct {
	Stats map[string]map[string]int64 `json:"stats"`
}

// ParseStats flattens a Minecraft statistics document into rows.
// Unknown categories and zero values are skipped. Rows are sorted by
// category then object so batches are written in a stable order.
func ParseStats(blob string) ([]StatEntry, error) {
	var doc statsDocument
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStats, err)
	}
	if doc.Stats == nil {
		return nil, fmt.Errorf("%w: missing \"stats\" object", ErrInvalidStats)
	}

	var entries []StatEntry
	for _, category := range StatCategories {
		items, ok := doc.Stats[minecraftNamespace+category]
		if !ok {
			continue
		}
		for item, value := range items {
			if value == 0 {
				continue
			}
			object := strings.TrimPrefix(item, minecraftNamespace)
			entries = append(entries, StatEntry{
				Object:   object,
				Category: category,
				Group:    ItemGroup(object),
				Value:    value,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Category != entries[j].Category {
			return entries[i].Category < entries[j].Category
		}
		return entries[i].Object < entries[j].Object
	})

	return entries, nil
}

// ItemGroup classifies an item name as tool, armor or other
func ItemGroup(object string) string {
	for _, s := range toolSubstrings {
		if strings.Contains(object, s) {
			return GroupTool
		}
	}
	for _, s := range armorSubstrings {
		if strings.Contains(object, s) {
			return GroupArmor
		}
	}
	return GroupOther
}

// StorePlayerStats parses the blob and queues its rows for the next
// write buffer flush. Parse errors are returned immediately.
func (db *DB) StorePlayerStats(playerID int64, blob string) error {
	entries, err := ParseStats(blob)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	db.WriteBuffer.QueueStats(playerID, entries)
	return nil
}

// GetPlayerStats returns the stored rows for a player, ordered like ParseStats
func (db *DB) GetPlayerStats(playerID int64) ([]StatEntry, error) {
	rows, err := db.conn.Query(`
		SELECT object, category, item_group, value
		FROM actions
		WHERE player_id = ?
		ORDER BY category, object
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []StatEntry
	for rows.Next() {
		var e StatEntry
		if err := rows.Scan(&e.Object, &e.Category, &e.Group, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
