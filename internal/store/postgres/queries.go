package postgres

const deliveryColumns = `
    id::text, subscription_id, event_type, payload, status, attempts,
    created_at, updated_at, next_attempt_at, claim_token, claimed_until
`

const queryInsertDelivery = `
INSERT INTO relay.deliveries (id, subscription_id, event_type, payload, status, attempts, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7)
`

const queryGetDelivery = `
SELECT` + deliveryColumns + `
FROM relay.deliveries
WHERE id = $1
`

const queryGetDeliveryStatus = `
SELECT status FROM relay.deliveries WHERE id = $1
`

const queryListDeliveries = `
SELECT` + deliveryColumns + `
FROM relay.deliveries
WHERE subscription_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3
`

const queryListAttempts = `
SELECT id::text, delivery_id::text, sequence, outcome, classification,
       status_code, response_excerpt, error, duration_ms, attempted_at
FROM relay.delivery_attempts
WHERE delivery_id = $1
ORDER BY sequence
`

const queryStats = `
SELECT status, count(*)
FROM relay.deliveries
WHERE subscription_id = $1
GROUP BY status
`

const querySchedule = `
UPDATE relay.deliveries
SET next_attempt_at = $2
WHERE id = $1
  AND status = 'pending'
`

// SKIP LOCKED lets concurrent claimers walk past each other's rows instead
// of blocking, so a row is handed to exactly one claimer.
const queryClaimDue = `
WITH due AS (
    SELECT id
    FROM relay.deliveries
    WHERE status = 'pending'
      AND next_attempt_at <= $1
    ORDER BY next_attempt_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE relay.deliveries d
SET status = 'in_progress',
    claim_token = gen_random_uuid()::text,
    claimed_until = $3,
    next_attempt_at = NULL,
    updated_at = $1
FROM due
WHERE d.id = due.id
RETURNING` + `
    d.id::text, d.subscription_id, d.event_type, d.payload, d.status, d.attempts,
    d.created_at, d.updated_at, d.next_attempt_at, d.claim_token, d.claimed_until
`

const queryNextDue = `
SELECT min(next_attempt_at)
FROM relay.deliveries
WHERE status = 'pending'
`

const queryRelease = `
UPDATE relay.deliveries
SET status = 'pending',
    next_attempt_at = $3,
    claim_token = NULL,
    claimed_until = NULL,
    updated_at = now()
WHERE id = $1
  AND status = 'in_progress'
  AND claim_token = $2
`

const queryReleaseExpired = `
UPDATE relay.deliveries
SET status = 'pending',
    next_attempt_at = $1,
    claim_token = NULL,
    claimed_until = NULL,
    updated_at = $1
WHERE status = 'in_progress'
  AND claimed_until < $1
`

// Guarded by status, counter and claim token; zero rows means the CAS lost.
const queryCloseAttempt = `
UPDATE relay.deliveries
SET status = $2,
    attempts = $3,
    next_attempt_at = $4,
    claim_token = NULL,
    claimed_until = NULL,
    updated_at = $5
WHERE id = $1
  AND status = 'in_progress'
  AND attempts = $6
  AND claim_token = $7
RETURNING` + deliveryColumns

const queryInsertAttempt = `
INSERT INTO relay.delivery_attempts
    (id, delivery_id, sequence, outcome, classification, status_code, response_excerpt, error, duration_ms, attempted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
