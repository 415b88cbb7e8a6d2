// Package trainlog owns the text logs of a training folder.
//
//	summary.txt                       one row per trained file (the ledger)
//	train_log/log_epoch_E_file_F.txt  windowed batch metrics of one file
//	log.txt                           human-readable run history
//
// The summary ledger is the only record a resumed run reads back. Every
// write rewrites it through a temporary file and a rename, so a reader
// never sees a partial row.
package trainlog
