// memkb-backup snapshots and restores the sqlite database of a memkb
// deployment.
//
// Usage:
//
//	memkb-backup -action create -db ./data/memkb.db -dir ./backups
//	memkb-backup -action list -dir ./backups
//	memkb-backup -action restore -snapshot ./backups/memkb-20260828-120000.db -db ./data/memkb.db
//	memkb-backup -action prune -dir ./backups -keep 7
package main

import (
	"flag"
	"log"

	"github.com/memkb/memkb/internal/backup"
)

func main() {
	action := flag.String("action", "create", "create, list, restore, or prune")
	dbPath := flag.String("db", "./data/memkb.db", "Path to the sqlite database")
	dir := flag.String("dir", "./backups", "Snapshot directory")
	snapshot := flag.String("snapshot", "", "Snapshot file to restore")
	keep := flag.Int("keep", 7, "Snapshots to keep when pruning")
	flag.Parse()

	switch *action {
	case "create":
		snap, err := backup.Create(*dbPath, *dir)
		if err != nil {
			log.Fatalf("Backup failed: %v", err)
		}
		log.Printf("Created %s (%d bytes)", snap.Path, snap.SizeBytes)

	case "list":
		snaps, err := backup.List(*dir)
		if err != nil {
			log.Fatalf("List failed: %v", err)
		}
		if len(snaps) == 0 {
			log.Printf("No snapshots in %s", *dir)
			return
		}
		for _, snap := range snaps {
			log.Printf("%s  %s  %d bytes", snap.CreatedAt.Format("2006-01-02 15:04:05"), snap.Path, snap.SizeBytes)
		}

	case "restore":
		if *snapshot == "" {
			log.Fatal("restore requires -snapshot")
		}
		if err := backup.Restore(*snapshot, *dbPath); err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		log.Printf("Restored %s to %s", *snapshot, *dbPath)

	case "prune":
		removed, err := backup.Prune(*dir, *keep)
		if err != nil {
			log.Fatalf("Prune failed: %v", err)
		}
		log.Printf("Removed %d snapshot(s), kept %d", removed, *keep)

	default:
		log.Fatalf("Unknown action %q", *action)
	}
}
