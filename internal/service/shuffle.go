package service

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// shuffleSeed derives a stable seed for one session so that a resume sees the
// same order as the first enter.
func shuffleSeed(studentID int, subject string, startedAt time.Time) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(studentID))
	h.Write(buf[:])
	h.Write([]byte(subject))
	binary.BigEndian.PutUint64(buf[:], uint64(startedAt.UnixNano()))
	h.Write(buf[:])
	return h.Sum64()
}

// shuffledQuestions returns a permuted copy; the input slice is not modified.
func shuffledQuestions(questions []model.Question, seed uint64) []model.Question {
	out := make([]model.Question, len(questions))
	copy(out, questions)
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	r.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
