package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/recflow/recflow"
	"github.com/recflow/recflow/provenance"
	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("open"),
	readline.PcItem("records"),
	readline.PcItem("show"),
	readline.PcItem("prov"),
	readline.PcItem("stats"),
	readline.PcItem("checkpoint"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func showRecord(rec *record.Record) {
	fmt.Printf("%s  queue=%s  entry=%s  size=%d\n",
		rec.ID, rec.Queue, rec.Entry.Format(time.RFC3339), rec.Size())
	keys := make([]string, 0, len(rec.Attrs))
	for k := range rec.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s = %s\n", k, rec.Attrs[k])
	}
	if rec.Claim != nil {
		fmt.Printf("  claim %s @%d+%d\n", rec.Claim.Resource.Key(), rec.Claim.Offset, rec.Claim.Length)
	}
}

func showProvenance(repo *recflow.Repo, id record.ID) error {
	hits, err := repo.Provenance().Search(context.Background(), provenance.Query{RecordID: id})
	if err != nil {
		return err
	}
	for _, e := range hits {
		fmt.Printf("%8d  %-20s  %s  %s\n", e.Seq, e.Kind, e.Time.Format(time.RFC3339), e.Detail)
	}
	fmt.Printf("%d events (indexed; recent events appear after the next rollover)\n", len(hits))
	return nil
}

func showStats(repo *recflow.Repo) {
	fmt.Printf("live records: %d\n", repo.Len())
	fmt.Printf("swap files:   %d\n", len(repo.SwapFiles()))
	for _, cs := range repo.Content().Stats() {
		fmt.Printf("container %s: %d files, %d bytes\n", cs.Name, cs.Files, cs.Bytes)
	}
	fmt.Printf("provenance:   seq %d, %d index shards\n",
		repo.Provenance().LastSeq(), repo.Provenance().Shards().ShardCount())
}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/recflow.history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	logger := utils.NewDefaultLogger(slog.LevelWarn)
	var repo *recflow.Repo

	open := func(dir string) error {
		if repo != nil {
			if err := repo.Close(); err != nil {
				return err
			}
		}
		repo, err = recflow.Open(recflow.Options{Dir: dir}, logger)
		return err
	}

	if len(os.Args) > 1 {
		if err = open(os.Args[1]); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(-1)
		}
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "help":
			fmt.Println("open <dir> | records | show <id> | prov <id> | stats | checkpoint | exit")
		case "open":
			if len(args) != 1 {
				_, _ = fmt.Fprintln(os.Stderr, "usage: open <dir>")
				break
			}
			err = open(args[0])
		case "exit", "quit":
			ex := 0
			if repo != nil {
				if err = repo.Close(); err != nil {
					_, _ = fmt.Fprintln(os.Stderr, err.Error())
					ex = -1
				}
			}
			os.Exit(ex)
		case "records":
			if repo == nil {
				_, _ = fmt.Fprintln(os.Stderr, "no repository open")
				break
			}
			recs := repo.Records()
			sort.Slice(recs, func(i, j int) bool { return recs[i].Entry.Before(recs[j].Entry) })
			for _, rec := range recs {
				fmt.Printf("%s  queue=%s  size=%d\n", rec.ID, rec.Queue, rec.Size())
			}
			fmt.Printf("%d records\n", len(recs))
		case "show", "prov":
			if repo == nil {
				_, _ = fmt.Fprintln(os.Stderr, "no repository open")
				break
			}
			for _, arg := range args {
				id, perr := record.ParseID(arg)
				if perr != nil {
					_, _ = fmt.Fprintf(os.Stderr, "bad id %s\n", arg)
					break
				}
				if cmd == "prov" {
					err = showProvenance(repo, id)
				} else {
					rec, gerr := repo.Get(id)
					if gerr != nil {
						err = gerr
						break
					}
					showRecord(rec)
				}
			}
		case "stats":
			if repo == nil {
				_, _ = fmt.Fprintln(os.Stderr, "no repository open")
				break
			}
			showStats(repo)
		case "checkpoint":
			if repo == nil {
				_, _ = fmt.Fprintln(os.Stderr, "no repository open")
				break
			}
			err = repo.Checkpoint()
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
