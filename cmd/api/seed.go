package main

import (
	"encoding/json"
	"fmt"
	"os"

	"academy/internal/identity"
	"academy/internal/ledger"
	"academy/internal/session"
)

// memorySeed is the MEMORY_SEED file format for the memory storage backend.
type memorySeed struct {
	Students []identity.Student `json:"students"`
	Classes  []struct {
		ID        string   `json:"class_id"`
		TeacherID string   `json:"teacher_user_id"`
		Enrolled  []string `json:"student_ids"`
	} `json:"classes"`
}

func loadSeed(path string) (memorySeed, error) {
	var seed memorySeed
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read memory seed: %w", err)
	}
	if err := json.Unmarshal(raw, &seed); err != nil {
		return seed, fmt.Errorf("parse memory seed %s: %w", path, err)
	}
	for _, st := range seed.Students {
		if st.ID == "" || st.UserID == "" {
			return seed, fmt.Errorf("memory seed %s: student needs student_id and user_id", path)
		}
	}
	for _, c := range seed.Classes {
		if c.ID == "" || c.TeacherID == "" {
			return seed, fmt.Errorf("memory seed %s: class needs class_id and teacher_user_id", path)
		}
	}
	return seed, nil
}

func (s memorySeed) apply(sessions *session.MemoryRepository, books *ledger.MemoryRepository, students *identity.MemoryStudents) {
	for _, st := range s.Students {
		students.Add(st)
		books.AddStudent(st.ID)
	}
	for _, c := range s.Classes {
		sessions.AddClass(c.ID, c.TeacherID)
		for _, id := range c.Enrolled {
			sessions.Enroll(c.ID, id)
		}
	}
}
