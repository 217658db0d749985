// Package ingestion runs ingestion jobs asynchronously.
//
// The Scheduler accepts submissions, persists them as PENDING jobs and
// returns immediately. A dispatcher claims jobs from the job store by
// compare-and-set and hands them to a fixed-size worker pool. Each job is
// processed by one worker, segment by segment:
//   - extract the next segment
//   - chunk it, store the chunks unindexed
//   - embed each chunk and upsert its vector
//   - mark the chunks indexed and checkpoint the job
//
// A segment that fails is rolled back and recorded in the job's error list;
// processing continues with the next segment. Jobs abandoned by a crashed
// process are reclaimed once their heartbeat goes stale and resume at their
// last checkpoint.
package ingestion
