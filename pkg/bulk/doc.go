// Package bulk runs Salesforce Bulk API 2.0 query jobs.
//
// A Job submits one query, polls the job until the platform reports a terminal
// state, and on completion hands the paginated result set to each registered
// ResultConsumer in registration order. A Queue runs many jobs in batches of at
// most ParallelJobs, waiting for a batch to finish before starting the next.
//
// Submission errors with the codes INVALIDENTITY, API_ERROR, or INVALIDJOB mark
// the job Rejected and are not returned. A job whose platform state becomes
// Failed ends without invoking consumers. Everything else that goes wrong is
// returned as a *JobError naming the object.
package bulk
