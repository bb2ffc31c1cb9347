package parser

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"lsfw/internal/model"
	"lsfw/internal/spec"
	"lsfw/pkg/wellknown"

	_ "github.com/go-sql-driver/mysql"
)

// MariaDBParser loads the policies of one fab from the policy management
// tables. An empty fab loads every row.
type MariaDBParser struct {
	ObjectStore
	db  *sql.DB
	fab string
}

func NewMariaDBParser(dsn, fab string, reg *wellknown.Registry) (*MariaDBParser, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return NewMariaDBParserFromDB(db, fab, reg), nil
}

// NewMariaDBParserFromDB uses an already opened database. Close releases it.
func NewMariaDBParserFromDB(db *sql.DB, fab string, reg *wellknown.Registry) *MariaDBParser {
	return &MariaDBParser{
		ObjectStore: newObjectStore(reg),
		db:          db,
		fab:         fab,
	}
}

func (p *MariaDBParser) Close() {
	p.db.Close()
}

func (p *MariaDBParser) Parse(ctx context.Context) error {
	if err := p.loadAddresses(ctx); err != nil {
		return fmt.Errorf("failed to load addresses: %w", err)
	}
	if err := p.loadGroups(ctx, "cfg_address_group", p.AddrGrps); err != nil {
		return fmt.Errorf("failed to load address groups: %w", err)
	}
	if err := p.loadServices(ctx); err != nil {
		return fmt.Errorf("failed to load services: %w", err)
	}
	if err := p.loadGroups(ctx, "cfg_service_group", p.SvcGrps); err != nil {
		return fmt.Errorf("failed to load service groups: %w", err)
	}
	if err := p.loadPolicies(ctx); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return p.flattenGroups()
}

// query runs a select scoped to the parser's fab.
func (p *MariaDBParser) query(ctx context.Context, query, order string) (*sql.Rows, error) {
	var args []any
	if p.fab != "" {
		query += " WHERE fab_name = ?"
		args = append(args, p.fab)
	}
	if order != "" {
		query += " ORDER BY " + order
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *MariaDBParser) loadAddresses(ctx context.Context) error {
	rows, err := p.query(ctx, "SELECT object_name, address_type, subnet, start_ip, end_ip FROM cfg_address", "")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, addrType string
		var subnet, startIP, endIP sql.NullString
		if err := rows.Scan(&name, &addrType, &subnet, &startIP, &endIP); err != nil {
			return err
		}

		addr := &model.AddressObject{Name: name, Type: addrType}
		switch addrType {
		case "ipmask":
			if subnet.Valid {
				if r, err := spec.ParseIPRange(subnet.String); err == nil {
					addr.Range = r
				} else {
					slog.Warn("Skipping invalid subnet", "address", name, "subnet", subnet.String, "error", err)
				}
			}
		case "iprange":
			if startIP.Valid && endIP.Valid {
				if r, err := spec.ParseIPRange(startIP.String + "-" + endIP.String); err == nil {
					addr.Range = r
				} else {
					slog.Warn("Skipping invalid range", "address", name, "error", err)
				}
			}
		}
		p.AddressObjects[name] = addr
	}
	return rows.Err()
}

func (p *MariaDBParser) loadGroups(ctx context.Context, table string, groups map[string][]string) error {
	rows, err := p.query(ctx, "SELECT group_name, members FROM "+table, "")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var groupName, membersJSON string
		if err := rows.Scan(&groupName, &membersJSON); err != nil {
			return err
		}
		var members []string
		if err := json.Unmarshal([]byte(membersJSON), &members); err != nil {
			return fmt.Errorf("group %s: invalid members: %w", groupName, err)
		}
		groups[groupName] = members
	}
	return rows.Err()
}

// loadServices reads custom services. Ports use the rule port syntax
// ("80", "8000-8080"); icmp rows carry the type and code instead.
func (p *MariaDBParser) loadServices(ctx context.Context) error {
	rows, err := p.query(ctx, "SELECT service_name, protocol, dst_ports, src_ports, icmp_type, icmp_code FROM cfg_service", "")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, protocol string
		var dstPorts, srcPorts sql.NullString
		var icmpType, icmpCode sql.NullInt64
		if err := rows.Scan(&name, &protocol, &dstPorts, &srcPorts, &icmpType, &icmpCode); err != nil {
			return err
		}

		svc := &model.ServiceObject{Name: name, Protocol: model.Protocol(strings.ToLower(protocol))}
		switch svc.Protocol {
		case model.TCP, model.UDP:
			if svc.Ports, err = spec.ParsePortSpec(dstPorts.String, nil); err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
			if svc.SrcPorts, err = spec.ParsePortSpec(srcPorts.String, nil); err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
		case model.ICMP:
			switch {
			case icmpType.Valid && icmpCode.Valid:
				svc.ICMP = spec.ICMPTypeCode(int(icmpType.Int64), int(icmpCode.Int64))
			case icmpType.Valid:
				svc.ICMP = spec.ICMPType(int(icmpType.Int64))
			}
		case "ip", "":
			svc.Protocol = ""
		default:
			return fmt.Errorf("service %s: unsupported protocol %q", name, protocol)
		}
		p.ServiceObjects[name] = append(p.ServiceObjects[name], svc)
	}
	return rows.Err()
}

func (p *MariaDBParser) loadPolicies(ctx context.Context) error {
	rows, err := p.query(ctx, "SELECT priority, policy_id, src_intf, dst_intf, src_objects, dst_objects, service_objects, action, is_enabled FROM cfg_policy", "priority ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var policy model.Policy
		var policyID int
		var srcIntf, dstIntf sql.NullString
		var srcJSON, dstJSON, svcJSON, isEnabled string

		if err := rows.Scan(&policy.Priority, &policyID, &srcIntf, &dstIntf, &srcJSON, &dstJSON, &svcJSON, &policy.Action, &isEnabled); err != nil {
			return err
		}

		policy.ID = strconv.Itoa(policyID)
		policy.Enabled = isEnabled == "enable"

		for _, field := range []struct {
			raw string
			dst *[]string
		}{
			{srcIntf.String, &policy.SrcIntf},
			{dstIntf.String, &policy.DstIntf},
			{srcJSON, &policy.RawSrcAddrNames},
			{dstJSON, &policy.RawDstAddrNames},
			{svcJSON, &policy.RawSvcNames},
		} {
			if field.raw == "" {
				continue
			}
			if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
				return fmt.Errorf("policy %s: invalid object list %q: %w", policy.ID, field.raw, err)
			}
		}
		defaultNames(&policy)
		p.Policies = append(p.Policies, policy)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	sort.SliceStable(p.Policies, func(i, j int) bool {
		return p.Policies[i].Priority < p.Policies[j].Priority
	})
	return nil
}
