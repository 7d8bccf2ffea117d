// Package mealupload implements the client-side meal photo upload pipeline.
//
// A run takes an UploadCandidate (the photo the user picked) through a fixed
// sequence of stages, each gated by the Pipeline's state machine:
//
//	idle -> [compressing] -> uploading -> analyzing -> complete
//	                 \____________\____________\______> error
//
// The stages are:
//
//   - Validator: MIME allow-list and size ceiling, no I/O
//   - Compressor: downsizes and re-encodes large images (skipped under the threshold)
//   - Client.RequestUploadSlot: asks the control plane for a presigned upload URL
//   - Transferer: PUTs the bytes to object storage with bounded retries
//   - Client.Analyze: runs the slow AI analysis against the uploaded object
//   - Reconciler: merges returned quota information into a shared QuotaSnapshot
//
// Failures are reported as *Error values carrying a Category (validation,
// connectivity, authorization, quota, server, rejected, compression, canceled).
// The category decides what a UI offers next: an upgrade prompt for quota, a
// retry button for connectivity and server errors, a generic alert otherwise.
//
// Basic usage
//
//	client := mealupload.NewClient("https://api.example.com",
//	    mealupload.WithIdentity("X-User-Id", userID))
//	p, err := mealupload.New(
//	    mealupload.WithSlotRequester(client),
//	    mealupload.WithAnalyzer(client),
//	    mealupload.WithTransferer(mealupload.NewTransferer()),
//	    mealupload.WithReconciler(mealupload.NewReconciler(client, mealupload.NewMemoryQuotaStore())),
//	)
//	result, err := p.Run(ctx, candidate)
//	if mealupload.IsQuotaExceeded(err) {
//	    // render upgrade call-to-action using p.Status().Quota
//	}
package mealupload
