package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create journal_entries table
			CREATE TABLE journal_entries (
				deployment_id VARCHAR(255) NOT NULL,
				seq BIGINT NOT NULL CHECK (seq > 0),
				command_type VARCHAR(64) NOT NULL,
				payload JSONB NOT NULL,
				recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (deployment_id, seq)
			);

			CREATE INDEX idx_journal_entries_command_type ON journal_entries(command_type);
		`,
		2: `
			-- Deployment registry used to list deployments without scanning the journal
			CREATE TABLE deployments (
				id VARCHAR(255) PRIMARY KEY,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
	}
}
