package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler runs background maintenance jobs such as agent cache refresh.
type Scheduler struct {
	scheduler *gocron.Scheduler
}

func New() *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	// A slow refresh must not pile up behind itself
	s.SingletonModeAll()

	return &Scheduler{scheduler: s}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// Every schedules job to run at regular intervals. The first run happens
// one interval after Start.
func (s *Scheduler) Every(tag string, interval time.Duration, job func()) error {
	_, err := s.scheduler.Every(interval).Tag(tag).WaitForSchedule().Do(job)
	return err
}

// Remove removes a scheduled job by tag
func (s *Scheduler) Remove(tag string) error {
	return s.scheduler.RemoveByTag(tag)
}

// Tags lists the tags of all scheduled jobs.
func (s *Scheduler) Tags() []string {
	var tags []string
	for _, j := range s.scheduler.Jobs() {
		tags = append(tags, j.Tags()...)
	}
	return tags
}
