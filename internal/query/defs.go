package query

import "fmt"

// Definitions returns every built-in metric query. Templates are Postgres
// SQL against the Augur-style warehouse schema; the batch placeholder is
// expanded per execution. Timestamps are coerced to UTC at the source so
// consumers never see origin timezones.
func Definitions() []*Definition {
	return []*Definition{
		{
			Name:  "commits",
			Arity: 1,
			Template: `
				SELECT
					DISTINCT
					r.repo_id AS repo_id,
					c.cmt_commit_hash AS commit_hash,
					c.cmt_author_email AS author_email,
					c.cmt_author_date AS author_date,
					timezone('utc', c.cmt_author_timestamp) AS author_timestamp,
					timezone('utc', c.cmt_committer_timestamp) AS committer_timestamp
				FROM
					repo r
				JOIN commits c
					ON r.repo_id = c.repo_id
				WHERE
					c.repo_id IN {{repos}}
					AND timezone('utc', c.cmt_author_timestamp) < now()
					AND timezone('utc', c.cmt_committer_timestamp) < now()`,
		},
		{
			Name:  "issues",
			Arity: 1,
			Template: `
				SELECT
					r.repo_id,
					r.repo_name,
					i.issue_id AS issue,
					i.gh_issue_number AS issue_number,
					i.gh_issue_id AS gh_issue,
					left(i.reporter_id::text, 15) AS reporter_id,
					left(i.cntrb_id::text, 15) AS issue_closer,
					i.created_at,
					i.closed_at
				FROM
					repo r,
					issues i
				WHERE
					r.repo_id = i.repo_id
					AND r.repo_id IN {{repos}}
					AND i.pull_request_id IS NULL
					AND i.created_at < now()
					AND (i.closed_at < now() OR i.closed_at IS NULL)
				ORDER BY i.created_at`,
		},
		{
			Name:  "prs",
			Arity: 1,
			Template: `
				SELECT
					r.repo_id,
					r.repo_name,
					pr.pull_request_id AS pull_request,
					pr.pr_src_number,
					left(pr.pr_augur_contributor_id::text, 15) AS cntrb_id,
					pr.pr_created_at AS created,
					pr.pr_closed_at AS closed,
					pr.pr_merged_at AS merged
				FROM
					repo r,
					pull_requests pr
				WHERE
					r.repo_id = pr.repo_id
					AND r.repo_id IN {{repos}}
					AND pr.pr_created_at < now()
					AND (pr.pr_closed_at < now() OR pr.pr_closed_at IS NULL)
					AND (pr.pr_merged_at < now() OR pr.pr_merged_at IS NULL)
				ORDER BY pr.pr_created_at`,
		},
		{
			Name:  "contributors",
			Arity: 1,
			Template: `
				SELECT
					ca.repo_id,
					ca.repo_name,
					left(ca.cntrb_id::text, 15) AS cntrb_id,
					timezone('utc', ca.created_at) AS created_at,
					ca.login,
					ca.action,
					ca.rank
				FROM
					explorer_contributor_actions ca
				WHERE
					ca.repo_id IN {{repos}}
					AND timezone('utc', ca.created_at) < now()`,
		},
		{
			Name:  "affiliation",
			Arity: 1,
			Template: `
				SELECT
					left(c.cntrb_id::text, 15) AS cntrb_id,
					timezone('utc', c.created_at) AS created_at,
					c.repo_id,
					c.login,
					c.action,
					c.rank,
					con.cntrb_company,
					string_agg(ca.alias_email, ' , ' ORDER BY ca.alias_email) AS email_list
				FROM
					explorer_contributor_actions c
				JOIN contributors_aliases ca
					ON c.cntrb_id = ca.cntrb_id
				JOIN contributors con
					ON c.cntrb_id = con.cntrb_id
				WHERE
					c.repo_id IN {{repos}}
					AND timezone('utc', c.created_at) < now()
				GROUP BY c.cntrb_id, c.created_at, c.repo_id, c.login, c.action, c.rank, con.cntrb_company
				ORDER BY created_at`,
		},
		{
			Name:  "issue_assignees",
			Arity: 1,
			Template: `
				SELECT
					ia.issue_id,
					ia.id,
					ia.created,
					ia.closed,
					ia.assign_date,
					ia.assignment_action,
					left(ia.assignee::text, 15) AS assignee
				FROM
					explorer_issue_assignments ia
				WHERE
					ia.id IN {{repos}}
					AND ia.created < now()
					AND (ia.closed < now() OR ia.closed IS NULL)
					AND (ia.assign_date < now() OR ia.assign_date IS NULL)`,
		},
		{
			Name:  "pr_assignees",
			Arity: 1,
			Template: `
				SELECT
					pa.pull_request_id,
					pa.id,
					pa.created,
					pa.closed,
					pa.assign_date,
					pa.assignment_action,
					left(pa.assignee::text, 15) AS assignee
				FROM
					explorer_pr_assignments pa
				WHERE
					pa.id IN {{repos}}
					AND pa.created < now()
					AND (pa.closed < now() OR pa.closed IS NULL)
					AND (pa.assign_date < now() OR pa.assign_date IS NULL)`,
		},
		{
			Name:  "pr_files",
			Arity: 1,
			Template: `
				SELECT
					prf.pr_file_path AS file_path,
					pr.pull_request_id AS pull_request,
					pr.repo_id AS id
				FROM
					pull_requests pr,
					pull_request_files prf
				WHERE
					pr.pull_request_id = prf.pull_request_id
					AND pr.repo_id IN {{repos}}`,
		},
		{
			Name:  "pr_responses",
			Arity: 1,
			Template: `
				SELECT
					*
				FROM
					explorer_pr_response epr
				WHERE
					epr.id IN {{repos}}`,
		},
		{
			Name:  "contributors_per_file",
			Arity: 1,
			Template: `
				SELECT
					pr.repo_id AS repo_id,
					prf.pr_file_path AS file_path,
					string_agg(DISTINCT CAST(pr.pr_augur_contributor_id AS varchar(15)), ',') AS cntrb_ids,
					string_agg(DISTINCT CAST(prr.cntrb_id AS varchar(15)), ',') AS reviewer_ids
				FROM
					pull_requests pr,
					pull_request_files prf,
					pull_request_reviews prr
				WHERE
					pr.pull_request_id = prf.pull_request_id
					AND pr.pull_request_id = prr.pull_request_id
					AND pr.repo_id IN {{repos}}
				GROUP BY prf.pr_file_path, pr.repo_id`,
		},
		{
			// Latest repo_info row per repository, hence the second batch
			// substitution in the subselect.
			Name:  "repo_info",
			Arity: 2,
			Template: `
				SELECT DISTINCT
					repo_id AS id,
					issues_enabled,
					fork_count,
					watchers_count,
					license,
					stars_count,
					code_of_conduct_file,
					security_issue_file,
					security_audit_file,
					data_collection_date
				FROM
					repo_info ri
				WHERE
					repo_id IN {{repos}}
					AND (repo_id, data_collection_date) IN (
						SELECT DISTINCT ON (repo_id)
							repo_id, data_collection_date
						FROM repo_info
						WHERE
							repo_id IN {{repos}}
						ORDER BY repo_id, data_collection_date DESC
					)`,
		},
		{
			Name:  "package_versions",
			Arity: 2,
			Template: `
				SELECT
					rdl.repo_id AS id,
					rdl.name,
					rdl.current_release_date,
					rdl.latest_release_date,
					rdl.libyear,
					CASE
						WHEN rdl.libyear >= 1.0 THEN 'Greater than a year'
						WHEN rdl.libyear < 1.0 AND rdl.libyear > 0.5 THEN '6 months to year'
						WHEN rdl.libyear < 0.5 AND rdl.libyear > 0 THEN 'Less than 6 months'
						WHEN rdl.libyear = 0 THEN 'Up to date'
						ELSE 'Unclear version history'
					END AS dep_age
				FROM
					repo_deps_libyear rdl
				WHERE
					repo_id IN {{repos}}
					AND (rdl.repo_id, rdl.data_collection_date) IN (
						SELECT DISTINCT ON (repo_id)
							repo_id, data_collection_date
						FROM repo_deps_libyear
						WHERE
							repo_id IN {{repos}}
						ORDER BY repo_id, data_collection_date DESC
					)
					AND rdl.libyear >= 0`,
		},
		{
			Name:  "repo_languages",
			Arity: 1,
			Template: `
				SELECT
					repo_id AS id,
					programming_language,
					code_lines,
					files
				FROM explorer_repo_languages
				WHERE repo_id IN {{repos}}`,
		},
		{
			Name:  "repo_releases",
			Arity: 1,
			Template: `
				SELECT
					repo_id AS id,
					release_name,
					release_created_at,
					release_published_at,
					release_updated_at
				FROM
					releases r
				WHERE
					repo_id IN {{repos}}
					AND release_published_at IS NOT NULL
				ORDER BY release_published_at DESC`,
		},
		{
			Name:  "ossf_scores",
			Arity: 1,
			Template: `
				SELECT
					repo_id AS id,
					name,
					score,
					data_collection_date
				FROM
					repo_deps_scorecard
				WHERE
					repo_id IN {{repos}}`,
		},
	}
}

// DefaultRegistry builds a registry holding every built-in definition.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(Definitions()...)
}

// MustDefaultRegistry is DefaultRegistry for callers that treat an invalid
// built-in definition as a broken build. It panics instead of returning an
// error.
func MustDefaultRegistry() *Registry {
	reg, err := DefaultRegistry()
	if err != nil {
		panic(fmt.Sprintf("query: invalid built-in definition: %v", err))
	}
	return reg
}
