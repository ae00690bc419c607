package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/logger"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

var names = []string{
	"Budi Santoso", "Siti Aminah", "Andi Pratama", "Rina Wati", "Joko Susilo",
	"Ayu Lestari", "Dodi Kusuma", "Eka Putri", "Fahri Hamzah", "Gita Savitri",
	"Hendra Gunawan", "Ika Sari", "Jamal Mirdad", "Kiki Fatmala", "Lukman Hakim",
	"Maya Septiana", "Nanda Pratama", "Oki Setiana", "Putri Dian", "Qori Maharani",
	"Rafi Ahmad", "Siska Saraswati", "Toni Setiawan", "Umi Kalsum", "Vina Panduwinata",
	"Wahyu Hidayat", "Xena Maharani", "Yudi Pratama", "Zaki Anwar", "Alifia Zahra",
}

func main() {
	var (
		subject    = flag.String("subject", "MATH", "Subject code of the demo exam")
		classLevel = flag.String("class", "XII", "Class level of the demo exam and students")
		duration   = flag.Int("duration", 90, "Exam duration in minutes")
		password   = flag.String("password", "stemsijaya", "Password given to every seeded student")
	)
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	st, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	// Edits go through the catalog so a running server drops its cached copy.
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	catalog := service.NewCatalogService(st.Exams, rdb, cfg.CatalogCacheTTL, log)

	// ─── Exam Definition ───────────────────────────────────────────────
	active := true
	exam, err := catalog.UpsertExam(ctx, model.UpsertExamRequest{
		Subject:          *subject,
		ClassLevel:       *classLevel,
		Title:            fmt.Sprintf("Ujian Demo %s", model.NormalizeCode(*subject)),
		DurationMinutes:  *duration,
		IsActive:         &active,
		ShuffleQuestions: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to upsert demo exam")
	}

	questions := make([]model.QuestionInput, 0, 10)
	for i := 1; i <= 10; i++ {
		questions = append(questions, model.QuestionInput{
			ID:   fmt.Sprintf("q%02d", i),
			Text: fmt.Sprintf("Berapakah %d + %d?", i, i),
			Options: model.QuestionOptions{
				A: fmt.Sprint(2 * i),
				B: fmt.Sprint(2*i + 1),
				C: fmt.Sprint(2*i - 1),
				D: fmt.Sprint(i * i),
			},
			CorrectAnswer: "A",
		})
	}
	if _, err := catalog.ReplaceQuestions(ctx, exam.Subject, exam.ClassLevel, questions); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed questions")
	}
	fmt.Printf("Seeded exam %s/%s with %d questions\n", exam.Subject, exam.ClassLevel, len(questions))

	// ─── Students ──────────────────────────────────────────────────────
	hash, err := bcrypt.GenerateFromPassword([]byte(*password), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	fmt.Printf("=== Seeding %d Students ===\n", len(names))

	created, skipped := 0, 0
	for i, name := range names {
		student := &model.Student{
			AdmissionNumber: fmt.Sprintf("user%d", i+1),
			Name:            name,
			ClassLevel:      exam.ClassLevel,
			PasswordHash:    string(hash),
		}
		if err := st.Students.CreateStudent(ctx, student); err != nil {
			if errors.Is(err, repository.ErrDuplicateStudent) {
				skipped++
				continue
			}
			fmt.Printf("Error creating student %s (%s): %v\n", student.Name, student.AdmissionNumber, err)
			continue
		}
		created++
		if created%10 == 0 {
			fmt.Printf("Created %d students...\n", created)
		}
	}

	fmt.Printf("\nSeed completed! Created %d, already present %d, of %d students.\n", created, skipped, len(names))
}
