package main

import (
	"errors"
	"fmt"
	"strings"
)

// The preamble is stored as a fixed number of per-user slots so single-line
// edits never rewrite the whole list. Only the low slots are ever non-empty;
// deleting a line reflows the tail instead of leaving a gap.
const preambleSlotCount = 512

var (
	errPreambleCapacity = fmt.Errorf("preamble has more than %d lines", preambleSlotCount)
	errPreambleIndex    = errors.New("no preamble line at that index")
)

const defaultPreambleText = `\documentclass{article}
\usepackage[a6paper]{geometry}
\usepackage[T1]{fontenc}
\usepackage[utf8]{inputenc}
\usepackage{lmodern}
\usepackage{textcomp}
\usepackage{lastpage}
\usepackage{amsmath}
\usepackage{physics}
\usepackage{lipsum}
\pagenumbering{gobble}`

type preambleStore struct {
	store keySlotStore
	keys  []string
}

func newPreambleStore(store keySlotStore) *preambleStore {
	keys := make([]string, preambleSlotCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("preamble_part_%d", i)
	}
	return &preambleStore{store: store, keys: keys}
}

func defaultPreambleLines() []string {
	return strings.Split(defaultPreambleText, "\n")
}

func stripEmptyLines(lines []string) []string {
	stripped := make([]string, 0, len(lines))
	for _, line := range lines {
		if line != "" {
			stripped = append(stripped, line)
		}
	}
	return stripped
}

func padToSlots(lines []string) ([]string, error) {
	if len(lines) > preambleSlotCount {
		return nil, errPreambleCapacity
	}
	padded := make([]string, preambleSlotCount)
	copy(padded, lines)
	return padded, nil
}

// Get returns the user's preamble as newline-joined text, seeding the
// default for a fresh user.
func (p *preambleStore) Get(userID int64) (string, error) {
	lines, err := p.GetAsList(userID, true)
	if err != nil {
		return "", err
	}
	return strings.Join(stripEmptyLines(lines), "\n"), nil
}

// GetAsList reads all slots for the user. When initIfEmpty is set and no
// slot holds text, the default preamble is written back first; that makes
// this a mutating read, callers that need a strict read pass false.
func (p *preambleStore) GetAsList(userID int64, initIfEmpty bool) ([]string, error) {
	lines, err := p.store.GetMany(userID, p.keys)
	if err != nil {
		return nil, err
	}
	if initIfEmpty && len(stripEmptyLines(lines)) == 0 {
		defaults := defaultPreambleLines()
		if err := p.SetList(userID, defaults); err != nil {
			return nil, err
		}
		return padToSlots(defaults)
	}
	return lines, nil
}

// SetList left-packs lines into the slot space and writes only the slots
// whose stored value differs, keeping the write count proportional to the
// size of the change rather than the slot count.
func (p *preambleStore) SetList(userID int64, lines []string) error {
	packed, err := padToSlots(stripEmptyLines(lines))
	if err != nil {
		return err
	}
	current, err := p.store.GetMany(userID, p.keys)
	if err != nil {
		return err
	}
	for i, key := range p.keys {
		if current[i] == packed[i] {
			continue
		}
		if err := p.store.Set(userID, key, packed[i]); err != nil {
			return err
		}
	}
	return nil
}

// Insert appends a line and returns its 0-based index.
func (p *preambleStore) Insert(userID int64, line string) (int, error) {
	lines, err := p.GetAsList(userID, true)
	if err != nil {
		return 0, err
	}
	stripped := append(stripEmptyLines(lines), line)
	if err := p.SetList(userID, stripped); err != nil {
		return 0, err
	}
	return len(stripped) - 1, nil
}

// Delete removes the line at index, counting only non-empty lines. It
// validates before writing so a bad index never mutates storage. The
// removed line is returned for the confirmation message.
func (p *preambleStore) Delete(userID int64, index int) (string, error) {
	lines, err := p.GetAsList(userID, true)
	if err != nil {
		return "", err
	}
	stripped := stripEmptyLines(lines)
	if index < 0 || index >= len(stripped) {
		return "", errPreambleIndex
	}
	removed := stripped[index]
	stripped = append(stripped[:index], stripped[index+1:]...)
	if err := p.SetList(userID, stripped); err != nil {
		return "", err
	}
	return removed, nil
}
